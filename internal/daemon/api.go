package daemon

import (
	"context"

	"hub/internal/logging"
)

type API struct {
	Version      string
	Orchestrator *Orchestrator
	Workers      *WorkerRegistry
	Gateway      *Gateway
	Shutdown     func(context.Context) error
	Logger       logging.Logger
}

type SessionResponse struct {
	Session   any  `json:"session"`
	Continued bool `json:"continued,omitempty"`
}

type SendInputRequest struct {
	Text string `json:"text"`
}

type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}
