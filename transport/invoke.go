package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// Invoke calls a unary method with CBOR-encoded request and response values.
func Invoke[Req, Resp any](ctx context.Context, t *Transport, method string, req Req) (Resp, error) {
	var resp Resp
	args, err := envelope.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encode %s request: %w", method, err)
	}
	data, err := t.Call(ctx, method, args)
	if err != nil {
		return resp, err
	}
	if err := envelope.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("decode %s response: %w", method, err)
	}
	return resp, nil
}

// InvokeStream calls a streaming method and hands each decoded item to fn.
// An error from fn cancels the stream and is returned.
func InvokeStream[Req, Item any](ctx context.Context, t *Transport, method string, req Req, fn func(Item) error) error {
	args, err := envelope.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	stream, err := t.Stream(ctx, method, args)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		data, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var item Item
		if err := envelope.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("decode %s item: %w", method, err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

// Unary adapts a typed handler to a UnaryFunc.
func Unary[Req, Resp any](fn func(context.Context, Req) (Resp, error)) UnaryFunc {
	return func(ctx context.Context, args []byte) ([]byte, error) {
		var req Req
		if err := envelope.Unmarshal(args, &req); err != nil {
			return nil, envelope.Errorf(envelope.CodeInvalidArgument, "decode request: %v", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return envelope.Marshal(resp)
	}
}

// Stream adapts a typed streaming handler to a StreamFunc.
func Stream[Req any](fn func(context.Context, Req, *StreamWriter) error) StreamFunc {
	return func(ctx context.Context, args []byte, w *StreamWriter) error {
		var req Req
		if err := envelope.Unmarshal(args, &req); err != nil {
			return envelope.Errorf(envelope.CodeInvalidArgument, "decode request: %v", err)
		}
		return fn(ctx, req, w)
	}
}
