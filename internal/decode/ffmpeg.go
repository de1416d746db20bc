package decode

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/logger"
)

const (
	stderrTailSize       = 4 * 1024
	defaultFrameQueue    = 4
	processStopTimeout   = 2 * time.Second
	defaultFFmpegBinName = "ffmpeg"
)

// FFmpegConfig configures the ffmpeg process backend.
type FFmpegConfig struct {
	Path       string
	QueueSize  int // decoded frames buffered between stdout and Decode
	StreamID   string
	ExtraFlags []string
}

// FFmpegBackend pipes Annex-B access units into an ffmpeg process and reads
// raw RGBA frames from its stdout.
type FFmpegBackend struct {
	cfg FFmpegConfig
	log logger.Logger

	mu     sync.Mutex
	proc   *ffmpegProcess
	width  int
	height int
	next   uint64 // index of the next picture expected from proc
}

// NewFFmpegBackend returns a backend; the process starts on Configure.
func NewFFmpegBackend(cfg FFmpegConfig) *FFmpegBackend {
	if cfg.Path == "" {
		cfg.Path = defaultFFmpegBinName
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultFrameQueue
	}
	return &FFmpegBackend{
		cfg: cfg,
		log: GetLogger().Module("ffmpeg").With(logger.String("stream_id", cfg.StreamID)),
	}
}

// Configure (re)starts ffmpeg for the given output size.
func (b *FFmpegBackend) Configure(width, height int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc != nil {
		b.proc.stop()
		b.proc = nil
	}
	p, err := startFFmpeg(b.cfg, width, height)
	if err != nil {
		return err
	}
	b.proc = p
	b.next = 0
	b.width, b.height = width, height
	b.log.Debug("ffmpeg decoder started", logger.Int("pid", p.cmd.Process.Pid), logger.Int("width", width), logger.Int("height", height))
	return nil
}

// Decode writes one access unit and returns the oldest decoded picture, if
// any, with the number of pictures the read queue dropped before it.
func (b *FFmpegBackend) Decode(annexB []byte) (Picture, error) {
	b.mu.Lock()
	p := b.proc
	b.mu.Unlock()
	if p == nil {
		return Picture{}, errors.Newf("ffmpeg backend not configured").
			Component("decode").
			Category(errors.CategoryState).
			Build()
	}

	if _, err := p.stdin.Write(annexB); err != nil {
		return Picture{}, p.failure(fmt.Errorf("write to ffmpeg: %w", err))
	}

	select {
	case pic, ok := <-p.frames:
		if !ok {
			return Picture{}, p.failure(p.readErr())
		}
		b.mu.Lock()
		skipped := int(pic.index - b.next)
		b.next = pic.index + 1
		b.mu.Unlock()
		return Picture{Pix: pic.pix, Skipped: skipped}, nil
	default:
		return Picture{}, nil
	}
}

// Close stops the process.
func (b *FFmpegBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != nil {
		b.proc.stop()
		b.proc = nil
	}
	return nil
}

// StderrTail returns the last bytes ffmpeg wrote to stderr.
func (b *FFmpegBackend) StderrTail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		return ""
	}
	return b.proc.stderr.String()
}

// picture is a raw frame tagged with its position in ffmpeg's output.
type picture struct {
	index uint64
	pix   []byte
}

type ffmpegProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	frames    chan picture
	read      atomic.Uint64
	stderr    *stderrTail
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	stopOnce  sync.Once
	frameSize int
}

func ffmpegArgs(cfg FFmpegConfig, width, height int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-f", "h264",
		"-i", "pipe:0",
	}
	args = append(args, cfg.ExtraFlags...)
	return append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
}

func startFFmpeg(cfg FFmpegConfig, width, height int) (*ffmpegProcess, error) {
	cmd := exec.Command(cfg.Path, ffmpegArgs(cfg, width, height)...) //nolint:gosec // G204: path from validated settings, args built internally
	setupProcessGroup(cmd)

	p := &ffmpegProcess{
		cmd:       cmd,
		frames:    make(chan picture, cfg.QueueSize),
		stderr:    newStderrTail(stderrTailSize),
		done:      make(chan struct{}),
		frameSize: width * height * 4,
	}
	cmd.Stderr = p.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, processError(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, processError(err, "failed to create stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, processError(err, "failed to start ffmpeg")
	}
	p.stdin = stdin

	go p.readFrames(stdout)
	return p, nil
}

func processError(err error, msg string) error {
	return errors.New(fmt.Errorf("%s: %w", msg, err)).
		Component("decode").
		Category(errors.CategoryCommand).
		Context("operation", "start_process").
		Build()
}

// readFrames reads fixed-size RGBA frames. When the queue is full the oldest
// frame is dropped so the stream never stalls on a slow consumer; the gap in
// indices tells the reader how many went missing.
func (p *ffmpegProcess) readFrames(stdout io.Reader) {
	defer close(p.done)
	defer close(p.frames)
	for index := uint64(0); ; index++ {
		buf := make([]byte, p.frameSize)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			p.errMu.Lock()
			p.err = err
			p.errMu.Unlock()
			return
		}
		pic := picture{index: index, pix: buf}
		select {
		case p.frames <- pic:
		default:
			// only this goroutine sends, so one receive frees a slot
			select {
			case <-p.frames:
			default:
			}
			p.frames <- pic
		}
		p.read.Add(1)
	}
}

func (p *ffmpegProcess) readErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		return io.EOF
	}
	return p.err
}

func (p *ffmpegProcess) failure(err error) error {
	return errors.New(err).
		Component("decode").
		Category(errors.CategoryDecode).
		Context("stderr", strings.TrimSpace(p.stderr.String())).
		Build()
}

func (p *ffmpegProcess) stop() {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		// stdout must be drained before Wait closes the pipe
		select {
		case <-p.done:
		case <-time.After(processStopTimeout):
			_ = killProcessGroup(p.cmd)
			<-p.done
		}
		_ = p.cmd.Wait()
	})
}

// stderrTail keeps the most recent bytes written to it.
type stderrTail struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

func newStderrTail(size int) *stderrTail {
	return &stderrTail{rb: ringbuffer.New(size)}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	capacity := t.rb.Capacity()
	if len(p) > capacity {
		p = p[len(p)-capacity:]
	}
	if excess := len(p) - t.rb.Free(); excess > 0 {
		discard := make([]byte, excess)
		_, _ = t.rb.Read(discard)
	}
	if _, err := t.rb.Write(p); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	return n, nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.rb.Length()
	if n == 0 {
		return ""
	}
	buf := make([]byte, n)
	_, _ = t.rb.Read(buf)
	_, _ = t.rb.Write(buf)
	return string(buf)
}
