package config

import "errors"

// ErrInvalidConfig is returned by Validate for configurations the services cannot run with
var ErrInvalidConfig = errors.New("invalid configuration")
