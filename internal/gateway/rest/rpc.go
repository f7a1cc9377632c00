package rest

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sakif/duo-routine/internal/gateway"
)

// CallRemoteProcedure posts args to /rest/v1/rpc/{name}. A procedure that
// ran and refused the request still answers 200; its refusal is carried in
// RPCResult.ErrorCode.
func (c *Client) CallRemoteProcedure(ctx context.Context, name string, args map[string]any) (*gateway.RPCResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res gateway.RPCResult
	if err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(name), nil, args, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
