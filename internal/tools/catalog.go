package tools

import (
	"net/http"

	"github.com/NikhilSetiya/cohort-sentinel/internal/investigation"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
)

// FromCatalog builds an HTTP tool for every catalog entry, in catalog order.
// Extra tools such as the finding history are appended after them.
func FromCatalog(cat *config.Catalog, client *http.Client, extra ...investigation.Tool) ([]investigation.Tool, error) {
	tools := make([]investigation.Tool, 0, len(cat.Tools)+len(extra))
	for _, spec := range cat.Tools {
		tool, err := NewHTTPTool(spec, client)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	for _, tool := range extra {
		if tool != nil {
			tools = append(tools, tool)
		}
	}
	return tools, nil
}
