package woverlay

import (
	"context"

	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wtl"
)

// CapabilitiesHandler answers capability queries
// with a fixed set of capabilities.
type CapabilitiesHandler struct {
	Capabilities wtl.Capabilities
}

func (h CapabilitiesHandler) HandleQuery(_ context.Context, _ wdgram.Sender, query []byte) ([]byte, bool, error) {
	if !wtl.IsGetCapabilities(query) {
		return nil, false, nil
	}
	return h.Capabilities.Append(nil), true, nil
}
