package worker

import (
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/repository"
)

var errNotFoundForTest = fmt.Errorf("subscription gone: %w", repository.ErrNotFound)
