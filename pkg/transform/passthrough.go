package transform

import (
	"github.com/IEatCodeDaily/feldera-pipe/pkg/relay"
)

// PassThroughTransformer forwards events unchanged; the source documents must
// already match the table columns
type PassThroughTransformer struct{}

// NewPassThroughTransformer creates a new pass-through transformer
func NewPassThroughTransformer() *PassThroughTransformer {
	return &PassThroughTransformer{}
}

// Transform passes the event through unchanged
func (t *PassThroughTransformer) Transform(event relay.Event) (relay.Event, error) {
	return event, nil
}
