package trace

import (
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

const snapLen = 65536

// Tracer appends every frame it is shown to a pcap file, readable with the
// usual capture tooling. Failures to write are remembered but do not disturb
// the stack; tracing is an observer, never a participant.
type Tracer struct {
	f   *os.File
	w   *pcapgo.Writer
	err error
}

// New creates (or truncates) a pcap file at path.
func New(path string) (*Tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s", path)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "trace header")
	}
	return &Tracer{f: f, w: w}, nil
}

// Record writes one frame with the current timestamp.
func (t *Tracer) Record(frame []byte) {
	if t == nil || t.err != nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	t.err = t.w.WritePacket(ci, frame)
}

// Err returns the first write error, if any.
func (t *Tracer) Err() error {
	if t == nil {
		return nil
	}
	return t.err
}

// Close flushes and closes the file.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	return t.f.Close()
}
