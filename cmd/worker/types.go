package main

import (
	"encoding/json"
	"fmt"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
)

// decodeEvent parses a queue message body. A body without a type or an
// order id is rejected so it ends up in the dead-letter queue.
func decodeEvent(body string) (aws.OrderEvent, error) {
	var ev aws.OrderEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return ev, fmt.Errorf("invalid message body: %w", err)
	}
	if ev.Type == "" || ev.OrderID == "" {
		return ev, fmt.Errorf("invalid message body: type and order_id are required")
	}
	return ev, nil
}
