package client

import (
	"context"

	"github.com/go-resty/resty/v2"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
)

// Pipeline runtime states reported in Pipeline.Status.
const (
	StatusShutdown     = "Shutdown"
	StatusProvisioning = "Provisioning"
	StatusPaused       = "Paused"
	StatusRunning      = "Running"
	StatusShuttingDown = "ShuttingDown"
	StatusFailed       = "Failed"
)

// Pipeline actions.
const (
	ActionStart    = "start"
	ActionPause    = "pause"
	ActionShutdown = "shutdown"
)

// Resources bounds the compute, memory and storage given to a pipeline.
// Unset fields are left to the service.
type Resources struct {
	CPUCoresMin  *float64 `json:"cpu_cores_min,omitempty" yaml:"cpu_cores_min,omitempty"`
	CPUCoresMax  *float64 `json:"cpu_cores_max,omitempty" yaml:"cpu_cores_max,omitempty"`
	MemoryMBMin  *uint64  `json:"memory_mb_min,omitempty" yaml:"memory_mb_min,omitempty"`
	MemoryMBMax  *uint64  `json:"memory_mb_max,omitempty" yaml:"memory_mb_max,omitempty"`
	StorageMBMax *uint64  `json:"storage_mb_max,omitempty" yaml:"storage_mb_max,omitempty"`
	StorageClass *string  `json:"storage_class,omitempty" yaml:"storage_class,omitempty"`
}

// RuntimeConfig is the runtime configuration of a pipeline.
type RuntimeConfig struct {
	Workers   int        `json:"workers,omitempty"`
	Resources *Resources `json:"resources,omitempty"`
}

// Pipeline is a deployable pairing of a program with runtime configuration
// and connector attachments.
type Pipeline struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	ProgramName string                 `json:"program_name"`
	Config      RuntimeConfig          `json:"config"`
	Connectors  []connector.Attachment `json:"connectors"`
	Status      string                 `json:"status,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// PutConnector creates or replaces a connector.
func (c *Client) PutConnector(ctx context.Context, name string, cfg connector.Config) error {
	_, err := c.call(ctx, "putting connector "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			SetBody(map[string]interface{}{"config": cfg}).
			Put("/connectors/{name}")
	})
	return err
}

// DeleteConnector removes a connector.
func (c *Client) DeleteConnector(ctx context.Context, name string) error {
	_, err := c.call(ctx, "deleting connector "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			Delete("/connectors/{name}")
	})
	return err
}

// PutPipeline creates or replaces a pipeline.
func (c *Client) PutPipeline(ctx context.Context, p Pipeline) (*Pipeline, error) {
	var out Pipeline
	_, err := c.call(ctx, "putting pipeline "+p.Name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", p.Name).
			SetBody(p).
			SetResult(&out).
			Put("/pipelines/{name}")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPipeline returns a pipeline and its runtime status.
func (c *Client) GetPipeline(ctx context.Context, name string) (*Pipeline, error) {
	var out Pipeline
	_, err := c.call(ctx, "getting pipeline "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			SetResult(&out).
			Get("/pipelines/{name}")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePipeline removes a shut down pipeline.
func (c *Client) DeletePipeline(ctx context.Context, name string) error {
	_, err := c.call(ctx, "deleting pipeline "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			Delete("/pipelines/{name}")
	})
	return err
}

// Action requests a runtime transition: ActionStart, ActionPause or
// ActionShutdown. Pausing a shut down pipeline deploys it paused. The call
// returns once the request is accepted; poll GetPipeline for the outcome.
func (c *Client) Action(ctx context.Context, name, action string) error {
	_, err := c.call(ctx, action+" pipeline "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParams(map[string]string{"name": name, "action": action}).
			Post("/pipelines/{name}/{action}")
	})
	return err
}

// GetPipelineConfig returns the runtime configuration the pipeline was
// deployed with.
func (c *Client) GetPipelineConfig(ctx context.Context, name string) (*RuntimeConfig, error) {
	var out RuntimeConfig
	_, err := c.call(ctx, "getting config of pipeline "+name, true, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", name).
			SetResult(&out).
			Get("/pipelines/{name}/config")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachConnector attaches a connector to a running pipeline. Services that
// cannot attach connectors at runtime answer with errors.NotSupported or
// errors.NotFound.
func (c *Client) AttachConnector(ctx context.Context, pipeline string, a connector.Attachment) error {
	_, err := c.call(ctx, "attaching connector "+a.ConnectorName+" to pipeline "+pipeline, false, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetPathParam("name", pipeline).
			SetBody(a).
			Post("/pipelines/{name}/connectors")
	})
	return err
}
