package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogNotify(t *testing.T) {
	assert.NoError(t, Log{}.Notify(context.Background(), "usr_1", "Video Ready!", "Your AI-generated video is ready to download."))
}
