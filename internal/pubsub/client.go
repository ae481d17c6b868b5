package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"omemo/internal/domain"
)

// HTTPClient talks to a pepd instance. All requests are JSON over HTTP
// and carry a generated request ID for log correlation.
type HTTPClient struct {
	Base string
	HTTP *http.Client
}

var _ domain.PubSub = (*HTTPClient)(nil)

// NewHTTP returns a client for the pepd at base.
func NewHTTP(base string) *HTTPClient {
	return &HTTPClient{Base: base, HTTP: http.DefaultClient}
}

func (c *HTTPClient) PublishItem(ctx context.Context, jid, node string, item domain.Item, options *domain.NodeConfig) error {
	in := publishRequest{Node: node, Item: wireItem{ID: item.ID, Payload: item.Payload}, Options: options}
	return c.post(ctx, pepPath(jid, "publish"), in, nil)
}

func (c *HTTPClient) RequestItem(ctx context.Context, jid, node, itemID string) (domain.Item, error) {
	var out wireItem
	q := url.Values{"node": {node}, "id": {itemID}}
	if err := c.get(ctx, pepPath(jid, "item")+"?"+q.Encode(), &out); err != nil {
		return domain.Item{}, err
	}
	return domain.Item{ID: out.ID, Payload: out.Payload}, nil
}

func (c *HTTPClient) RequestItemIDs(ctx context.Context, jid, node string) ([]string, error) {
	var out []string
	q := url.Values{"node": {node}}
	if err := c.get(ctx, pepPath(jid, "item-ids")+"?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) RequestNodes(ctx context.Context, jid string) ([]string, error) {
	var out []string
	if err := c.get(ctx, pepPath(jid, "nodes"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) RetractItem(ctx context.Context, jid, node, itemID string) error {
	return c.post(ctx, pepPath(jid, "retract"), retractRequest{Node: node, ID: itemID}, nil)
}

func (c *HTTPClient) CreateNode(ctx context.Context, jid, node string, config *domain.NodeConfig) error {
	return c.post(ctx, pepPath(jid, "create-node"), nodeRequest{Node: node, Config: config}, nil)
}

func (c *HTTPClient) ConfigureNode(ctx context.Context, jid, node string, config domain.NodeConfig) error {
	return c.post(ctx, pepPath(jid, "configure-node"), nodeRequest{Node: node, Config: &config}, nil)
}

func (c *HTTPClient) DeleteNode(ctx context.Context, jid, node string) error {
	return c.post(ctx, pepPath(jid, "delete-node"), nodeRequest{Node: node}, nil)
}

func (c *HTTPClient) Subscribe(ctx context.Context, jid, node string) error {
	return c.post(ctx, pepPath(jid, "subscribe"), nodeRequest{Node: node}, nil)
}

func (c *HTTPClient) Unsubscribe(ctx context.Context, jid, node string) error {
	return c.post(ctx, pepPath(jid, "unsubscribe"), nodeRequest{Node: node}, nil)
}

func (c *HTTPClient) Features(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.get(ctx, "/features", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pepPath(jid, op string) string {
	return "/pep/" + url.PathEscape(jid) + "/" + op
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *HTTPClient) do(req *http.Request, path string, out any) error {
	req.Header.Set("X-Request-ID", uuid.NewString())
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return respError(resp, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// respError maps the error conditions of the pepd protocol back onto
// the domain sentinels so callers can branch on them.
func respError(resp *http.Response, path string) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		switch body.Error {
		case condItemNotFound:
			return domain.ErrItemNotFound
		case condNodeNotFound:
			return domain.ErrNodeNotFound
		case condConflict:
			return domain.ErrNodeExists
		case condNotImplemented:
			return domain.ErrUnsupported
		}
	}
	return fmt.Errorf("pep %s %s: %s", resp.Request.Method, path, resp.Status)
}
