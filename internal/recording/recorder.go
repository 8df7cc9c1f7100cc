// Package recording bridges a participant's live producers into an external
// transcoding process. For each recorded kind it creates a one-way plain
// transport to loopback, consumes the producer on it with a single known
// codec, and feeds the resulting RTP into ffmpeg via a generated SDP file.
package recording

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"videoroom/internal/media"
)

const startupBanner = "ffmpeg version"

var (
	ErrNotIdle        = errors.New("recorder already started")
	ErrStartupTimeout = errors.New("transcoder did not report startup in time")
)

// Options is the process-wide recorder wiring, owned by whoever constructs
// recorders (main), so that port allocation stays serialized across rooms.
type Options struct {
	// FFmpegBin is the transcoder executable.
	FFmpegBin string
	// Dir receives the output files.
	Dir string
	// SDPDir receives the per-session description files.
	SDPDir string
	// StartupTimeout bounds the wait for the transcoder's startup banner.
	StartupTimeout time.Duration

	Ports *PortAllocator
}

func (o Options) startupTimeout() time.Duration {
	if o.StartupTimeout > 0 {
		return o.StartupTimeout
	}
	return 10 * time.Second
}

type state int

const (
	stateIdle state = iota
	stateRecording
	stateStopped
)

// leg is the egress path for one kind: plain transport, its loopback ports
// and the paused consumer bridging the producer into it.
type leg struct {
	kind      media.Kind
	transport media.PlainTransport
	consumer  media.Consumer
	rtpPort   uint16
	rtcpPort  uint16
}

type Recorder struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	state      state
	legs       []*leg
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	sdpPath    string
	tmpPath    string
	finalPath  string
	outputName string
}

// New prepares the egress side for the given producers (either may be nil,
// at least one must be present). Consumers are created paused; nothing flows
// until Start.
func New(ctx context.Context, router media.Router, audioProducer, videoProducer media.Producer, opts Options) (*Recorder, error) {
	if audioProducer == nil && videoProducer == nil {
		return nil, errors.New("no producer to record")
	}

	r := &Recorder{
		opts: opts,
		log:  log.With().Str("module", "recording").Logger(),
	}

	for _, p := range []media.Producer{audioProducer, videoProducer} {
		if p == nil {
			continue
		}
		l, err := r.newLeg(ctx, router, p)
		if err != nil {
			r.closeLegs()
			return nil, err
		}
		r.legs = append(r.legs, l)
	}

	return r, nil
}

func (r *Recorder) newLeg(ctx context.Context, router media.Router, producer media.Producer) (*leg, error) {
	kind := producer.Kind()

	transport, err := router.CreatePlainTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s egress transport: %w", kind, err)
	}

	rtpPort, rtcpPort := r.opts.Ports.AllocPair()
	if err := transport.Connect(ctx, "127.0.0.1", rtpPort, rtcpPort); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to connect %s egress transport: %w", kind, err)
	}

	consumer, err := transport.Consume(ctx, producer.ID(), egressCapabilities(router, kind), true)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to consume %s producer: %w", kind, err)
	}

	r.log.Debug().Str("kind", string(kind)).Uint16("rtp", rtpPort).Uint16("rtcp", rtcpPort).
		Str("producer", producer.ID()).Msg("egress leg ready")

	return &leg{
		kind:      kind,
		transport: transport,
		consumer:  consumer,
		rtpPort:   rtpPort,
		rtcpPort:  rtcpPort,
	}, nil
}

// egressCapabilities restricts the consumer to the router's first codec of the
// kind, so the egress stream is in a single encoding the transcoder expects.
func egressCapabilities(router media.Router, kind media.Kind) *media.RtpCapabilities {
	src := router.RtpCapabilities()
	caps := &media.RtpCapabilities{HeaderExtensions: src.HeaderExtensions}
	for _, codec := range src.Codecs {
		if strings.HasPrefix(codec.MimeType, string(kind)+"/") && !strings.HasSuffix(codec.MimeType, "/rtx") {
			caps.Codecs = append(caps.Codecs, codec)
			break
		}
	}
	return caps
}

// Start writes the session description, spawns the transcoder, waits for its
// startup banner and resumes the consumers. It must be called at most once.
func (r *Recorder) Start(ctx context.Context, outputName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateIdle {
		return ErrNotIdle
	}

	sdpBody, err := sessionDescription(r.legs)
	if err != nil {
		r.abortStart()
		return err
	}
	r.sdpPath = filepath.Join(r.opts.SDPDir, outputName+".sdp")
	if err := os.WriteFile(r.sdpPath, sdpBody, 0o644); err != nil {
		r.abortStart()
		return fmt.Errorf("failed to write session description: %w", err)
	}

	r.tmpPath = filepath.Join(r.opts.Dir, outputName+"_tmp.mp4")
	r.finalPath = filepath.Join(r.opts.Dir, outputName+".mp4")
	r.outputName = outputName

	if err := r.spawn(); err != nil {
		r.abortStart()
		return err
	}

	for _, l := range r.legs {
		if err := l.consumer.Resume(ctx); err != nil {
			r.stopProcess()
			r.abortStart()
			return fmt.Errorf("failed to resume %s consumer: %w", l.kind, err)
		}
		r.log.Debug().Str("kind", string(l.kind)).Msg("egress consumer resumed")
	}

	r.state = stateRecording
	r.log.Info().Str("output", outputName).Msg("recording started")
	return nil
}

func (r *Recorder) spawn() error {
	args := []string{
		"-protocol_whitelist", "file,rtp,udp",
		"-probesize", "50M",
		"-fflags", "+genpts",
		"-i", r.sdpPath,
		"-f", "mp4",
		"-strict", "experimental",
		"-y", r.tmpPath,
	}

	cmd := exec.Command(r.opts.FFmpegBin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open transcoder stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open transcoder stderr: %w", err)
	}

	r.log.Info().Str("bin", r.opts.FFmpegBin).Str("sdp", r.sdpPath).Msg("spawning transcoder")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn transcoder: %w", err)
	}

	// Block until the banner shows up on the diagnostic stream, with a bound:
	// a transcoder that exits (or stalls) before announcing itself failed.
	br := bufio.NewReader(stderr)
	bannerCh := make(chan error, 1)
	go func() { bannerCh <- awaitBanner(br) }()

	select {
	case err = <-bannerCh:
	case <-time.After(r.opts.startupTimeout()):
		err = ErrStartupTimeout
	}
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	// Keep draining so the child never blocks on a full pipe. The goroutine
	// ends when the process closes its stderr.
	go func() {
		for {
			line, err := br.ReadString('\n')
			if len(line) > 0 {
				r.log.Debug().Str("stream", "transcoder").Msg(strings.TrimRight(line, "\n"))
			}
			if err != nil {
				return
			}
		}
	}()

	r.cmd = cmd
	r.stdin = stdin
	return nil
}

func awaitBanner(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if strings.HasPrefix(line, startupBanner) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transcoder exited before startup: %w", err)
		}
	}
}

// abortStart releases everything a failed start attempt would otherwise leak:
// the session description and the egress legs with their engine-side
// transports. A recorder that failed to start is terminal.
func (r *Recorder) abortStart() {
	r.removeSDP()
	r.closeLegs()
	r.state = stateStopped
}

// Stop terminates the transcoder, promotes the temporary output to its final
// name and pauses the consumers. Safe to call when not recording (no-op) and
// safe to call twice.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRecording {
		return nil
	}
	r.state = stateStopped

	r.stopProcess()

	if err := os.Rename(r.tmpPath, r.finalPath); err != nil {
		r.log.Error().Err(err).Str("output", r.outputName).Msg("failed to promote recording output")
	}
	r.removeSDP()

	for _, l := range r.legs {
		if err := l.consumer.Pause(ctx); err != nil {
			r.log.Error().Err(err).Str("kind", string(l.kind)).Msg("failed to pause egress consumer")
		}
	}
	r.closeLegs()

	r.log.Info().Str("output", r.outputName).Msg("recording stopped")
	return nil
}

// stopProcess asks the child to quit, falling back to SIGKILL if the quit
// directive cannot be delivered, and reaps it.
func (r *Recorder) stopProcess() {
	if r.cmd == nil {
		return
	}
	if _, err := io.WriteString(r.stdin, "q\n"); err != nil {
		r.log.Warn().Err(err).Msg("failed to send quit directive, killing transcoder")
		_ = r.cmd.Process.Kill()
	}
	_ = r.stdin.Close()
	if err := r.cmd.Wait(); err != nil {
		r.log.Warn().Err(err).Msg("transcoder exited abnormally")
	}
	r.cmd = nil
	r.stdin = nil
}

func (r *Recorder) removeSDP() {
	if r.sdpPath == "" {
		return
	}
	if err := os.Remove(r.sdpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Error().Err(err).Str("sdp", r.sdpPath).Msg("failed to remove session description")
	}
}

func (r *Recorder) closeLegs() {
	for _, l := range r.legs {
		if l.consumer != nil {
			_ = l.consumer.Close()
		}
		_ = l.transport.Close()
	}
}
