package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is a push payload ready to show. URL is where a click leads.
type Notification struct {
	Title   string         `json:"title"`
	Body    string         `json:"body,omitempty"`
	Image   string         `json:"image,omitempty"`
	Tag     string         `json:"tag,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Actions []Action       `json:"actions,omitempty"`
	URL     string         `json:"url"`
}

// ClickPaths are the fmt patterns for order-tracking and product views; each
// takes the escaped id as its single %s.
type ClickPaths struct {
	Order   string
	Product string
}

var ErrEmptyPush = errors.New("empty push payload")

// DecodePush parses a push payload. A payload that is not JSON is shown as
// the body of a notification titled appName.
func DecodePush(raw []byte, appName string, paths ClickPaths) (Notification, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Notification{}, ErrEmptyPush
	}
	var n Notification
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if raw[0] != '{' || dec.Decode(&n) != nil {
		n = Notification{Body: string(raw)}
	}
	if strings.TrimSpace(n.Title) == "" {
		n.Title = appName
	}
	n.URL = ClickURL(n.Data, paths)
	return n, nil
}

// ClickURL resolves where a notification click navigates: data.url, then
// the order-tracking view for data.orderId, then the product view for
// data.productId, then the root.
func ClickURL(data map[string]any, paths ClickPaths) string {
	if u := str(data["url"]); u != "" {
		return u
	}
	if id := str(data["orderId"]); id != "" && paths.Order != "" {
		return fmt.Sprintf(paths.Order, url.QueryEscape(id))
	}
	if id := str(data["productId"]); id != "" && paths.Product != "" {
		return fmt.Sprintf(paths.Product, url.QueryEscape(id))
	}
	return "/"
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64, int, int64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}
