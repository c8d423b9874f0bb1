package notify

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	levels   []string
	messages []string
}

func (p *recordingPublisher) Notify(level, message string) {
	p.levels = append(p.levels, level)
	p.messages = append(p.messages, message)
}

func TestDeskLogsAndPublishes(t *testing.T) {
	var buf bytes.Buffer
	publisher := &recordingPublisher{}
	desk := NewDesk(publisher, zerolog.New(&buf))

	desk.Success("đã gọi số tiếp theo")
	desk.Failure("không thể tải hàng đợi")

	if len(publisher.levels) != 2 || publisher.levels[0] != LevelSuccess || publisher.levels[1] != LevelError {
		t.Fatalf("unexpected levels %v", publisher.levels)
	}
	if publisher.messages[1] != "không thể tải hàng đợi" {
		t.Fatalf("unexpected message %q", publisher.messages[1])
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("failure should log at warn: %s", buf.String())
	}
}

func TestDeskWithoutPublisher(t *testing.T) {
	desk := NewDesk(nil, zerolog.Nop())
	desk.Success("ok")
	desk.Failure("bad")
}
