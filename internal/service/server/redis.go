package server

import (
	"context"
	"encoding/json"
	"fmt"

	"securechannel/internal/model"
)

func queueKey(to string) string {
	return fmt.Sprintf("queue:%s", to)
}

func (c *HttpServer) GetFramesFromCache(ctx context.Context, to string) ([]model.Frame, error) {
	vals, err := c.queue.Drain(ctx, queueKey(to))
	if err != nil {
		return nil, err
	}

	res := make([]model.Frame, 0, len(vals))
	for _, v := range vals {
		var f model.Frame
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			return nil, err
		}

		res = append(res, f)
	}

	return res, nil
}

func (c *HttpServer) PutFramesToCache(ctx context.Context, to string, frames []model.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	vals := make([]any, 0, len(frames))
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}

	key := queueKey(to)
	if err := c.queue.RPush(ctx, key, vals...); err != nil {
		return err
	}
	return c.queue.Expire(ctx, key, c.queueTTL)
}
