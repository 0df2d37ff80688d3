package events

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

// Console renders events for a terminal: one progress bar per transfer and a log
// line for every lifecycle change.
type Console struct {
	out io.Writer
	log *logrus.Entry

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

// NewConsole draws bars on out (stderr when nil) and logs through log (the
// "console" component logger when nil).
func NewConsole(out io.Writer, log *logrus.Entry) *Console {
	if out == nil {
		out = os.Stderr
	}
	if log == nil {
		log = logging.Component("console")
	}
	return &Console{out: out, log: log, bars: make(map[string]*progressbar.ProgressBar)}
}

func (c *Console) newBar(id string, total uint64, description string) *progressbar.ProgressBar {
	limit := int64(total)
	if total == 0 {
		limit = -1
	}
	bar := progressbar.NewOptions64(limit,
		progressbar.OptionSetWriter(c.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(false),
	)
	c.bars[id] = bar
	return bar
}

func (c *Console) finish(id string, ok bool) {
	bar, found := c.bars[id]
	if !found {
		return
	}
	if ok {
		bar.Finish()
	} else {
		bar.Exit()
	}
	delete(c.bars, id)
	io.WriteString(c.out, "\n")
}

func (c *Console) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case Started:
		fields := logrus.Fields{"transfer_id": e.ID, "protocol": e.Protocol, "mode": e.Mode}
		if e.Filename != "" {
			fields["file"] = e.Filename
		}
		if e.Size > 0 {
			fields["size"] = humanize.IBytes(e.Size)
		}
		if e.Target != "" {
			fields["target"] = e.Target
		}
		c.log.WithFields(fields).Info("transfer started")
		description := e.Filename
		if description == "" {
			description = string(e.Mode)
		}
		c.newBar(e.ID, e.Size, description)

	case Progress:
		bar, ok := c.bars[e.ID]
		if !ok {
			bar = c.newBar(e.ID, e.Total, e.ID)
		}
		if e.Total > 0 && bar.GetMax64() != int64(e.Total) {
			bar.ChangeMax64(int64(e.Total))
		}
		bar.Set64(int64(e.Bytes))

	case Completed:
		c.finish(e.ID, true)
		c.log.WithFields(logrus.Fields{
			"transfer_id": e.ID,
			"bytes":       humanize.IBytes(e.Bytes),
			"duration":    e.Duration.Round(time.Millisecond).String(),
			"speed":       humanize.IBytes(uint64(e.Throughput)) + "/s",
			"checksum":    e.Checksum,
		}).Info("transfer completed")

	case Error:
		c.finish(e.ID, false)
		entry := c.log.WithFields(logrus.Fields{"transfer_id": e.ID, "code": e.Code, "recoverable": e.Recoverable})
		if e.Suggestion != "" {
			entry = entry.WithField("suggestion", e.Suggestion)
		}
		entry.Error(e.Message)

	case Cancelled:
		c.finish(e.ID, false)
		c.log.WithFields(logrus.Fields{
			"transfer_id": e.ID,
			"bytes":       humanize.IBytes(e.Bytes),
		}).Warnf("transfer cancelled: %s", e.Reason)

	case Connection:
		entry := c.log.WithFields(logrus.Fields{
			"transfer_id": e.ID,
			"event":       e.EventType,
			"address":     e.Address,
			"protocol":    e.Protocol,
		})
		if e.Success {
			entry.Debug("connection event")
		} else {
			entry.Warnf("connection failed: %s", e.Error)
		}
	}
}
