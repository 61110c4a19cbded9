package platform

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

func TestErrorClassification(t *testing.T) {
	key := kube.NewResourceKey("apps", "Deployment", "default", "web")
	testCases := []struct {
		name      string
		err       error
		notFound  bool
		rejected  bool
		transient bool
	}{
		{"NotFound", fmt.Errorf("get: %w", ErrNotFound), true, false, false},
		{"Rejected", fmt.Errorf("apply: %w", &RejectedError{Key: key, Message: "invalid"}), false, true, false},
		{"Other", errors.New("connection refused"), false, false, true},
		{"Cancelled", context.Canceled, false, false, false},
		{"Nil", nil, false, false, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.notFound, IsNotFound(tc.err))
			assert.Equal(t, tc.rejected, IsRejected(tc.err))
			assert.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}
