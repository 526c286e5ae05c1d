package wren

import "fmt"

// LayerError is returned from [NewNetwork]
// when one of the network layers fails to start.
type LayerError struct {
	Layer string
	Err   error
}

func (e LayerError) Error() string {
	return fmt.Sprintf("failed to start %s layer: %v", e.Layer, e.Err)
}

func (e LayerError) Unwrap() error { return e.Err }
