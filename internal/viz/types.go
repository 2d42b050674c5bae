package viz

import (
	"github.com/tobert/devlens/internal/spantree"
)

// Item is how one span node is presented in a tree view.
type Item struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Tooltip     string `json:"tooltip,omitempty"`
	Collapsible bool   `json:"collapsible"`
	Icon        string `json:"icon"`
}

// Attribute keys the renderers look at. The OTLP bridge fills them from
// resource and status data; native clients may set them directly.
const (
	AttrServiceName = "service.name"
	AttrStatusCode  = "otel.status_code"
	AttrError       = "error"
)

func serviceName(n *spantree.Node) string {
	if s, ok := n.Attributes[AttrServiceName].(string); ok {
		return s
	}
	return ""
}

// IsError reports whether the span recorded an error status or an error=true
// attribute.
func IsError(n *spantree.Node) bool {
	if code, ok := n.Attributes[AttrStatusCode].(string); ok && (code == "ERROR" || code == "STATUS_CODE_ERROR") {
		return true
	}
	if v, ok := n.Attributes[AttrError].(bool); ok && v {
		return true
	}
	return false
}

// label is "service.name" when a service is known, else the span name.
func label(n *spantree.Node) string {
	name := n.Name
	if name == "" {
		name = n.SpanID
	}
	if svc := serviceName(n); svc != "" {
		return svc + "." + name
	}
	return name
}

func statusIcon(n *spantree.Node) string {
	switch {
	case n.Placeholder:
		return "?"
	case IsError(n):
		return "✗"
	case n.Ended:
		return "✓"
	default:
		return "·"
	}
}
