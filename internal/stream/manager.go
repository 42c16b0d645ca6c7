package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/pkg/provider/stt"
)

// Stream lifecycle errors surfaced to the protocol layer.
var (
	ErrStreamUnknown    = errors.New("stream: unknown stream id")
	ErrBufferOverflow   = errors.New("stream: chunk buffer full")
	ErrDurationExceeded = errors.New("stream: max audio duration exceeded")
	ErrQueueFull        = errors.New("stream: processing queue full")
)

// defaultQueueSize bounds the transcription job queue.
const defaultQueueSize = 1000

// TTSPrefs carries the synthesis preferences attached to a stream at start.
type TTSPrefs struct {
	Engine string
	Voice  string
	Speed  float64
	Volume float64
}

// Result is delivered to the stream's callback once transcription and
// routing finished. Reply is empty when routing failed entirely.
type Result struct {
	StreamID   string
	ClientID   string
	Transcript string
	Reply      string
	Prefs      TTSPrefs
	Err        error
}

// Callback receives the outcome of a finalized stream. Invoked from a worker
// goroutine.
type Callback func(Result)

// RouteFunc turns a transcript into a reply.
type RouteFunc func(ctx context.Context, clientID, transcript string) (string, error)

// StreamOpts configures one stream at start time.
type StreamOpts struct {
	// Prefs are the TTS preferences passed through to the result.
	Prefs TTSPrefs
	// VAD enables voice-activity auto-stop when non-nil.
	VAD *VADConfig
	// OnResult receives the processing outcome. Required.
	OnResult Callback
	// OnAutoStop fires once when the VAD ends the stream, before
	// finalization. Optional.
	OnAutoStop func(streamID string)
}

// ManagerConfig holds the static limits for a Manager.
type ManagerConfig struct {
	// SampleRate of ingested PCM in Hz.
	SampleRate int
	// Language hint forwarded to the transcriber.
	Language string
	// MaxChunkBuffer bounds each stream's chunk FIFO.
	MaxChunkBuffer int
	// MaxDuration caps a stream's wall-clock length.
	MaxDuration time.Duration
	// QueueSize bounds the processing queue. Default 1000.
	QueueSize int
	// Workers bounds concurrent transcriptions. Default 2.
	Workers int
}

// stream is the per-stream state owned by the Manager.
type stream struct {
	id        string
	clientID  string
	buffer    *Buffer
	vad       *VAD
	opts      StreamOpts
	startedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	active       bool
	vadTriggered bool
	chunkCount   int
}

// job is one finalized stream waiting for a worker.
type job struct {
	streamID string
	clientID string
	audio    []byte
	opts     StreamOpts
}

// Manager owns all active streams and the worker that turns finalized
// streams into transcripts and replies. Heavy work never runs on the caller's
// goroutine: PushChunk only buffers, Finalize only enqueues.
type Manager struct {
	cfg         ManagerConfig
	transcriber stt.Transcriber
	route       RouteFunc
	metrics     *observe.Metrics

	mu      sync.Mutex
	streams map[string]*stream

	jobs chan job
	// sttSlots bounds how many transcriptions run at once; routing and
	// synthesis after the transcript are not held back by it.
	sttSlots chan struct{}
}

// NewManager creates a stream manager. route may be nil, in which case the
// transcript is returned as the reply.
func NewManager(cfg ManagerConfig, transcriber stt.Transcriber, route RouteFunc, metrics *observe.Metrics) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MaxChunkBuffer <= 0 {
		cfg.MaxChunkBuffer = 50
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Manager{
		cfg:         cfg,
		transcriber: transcriber,
		route:       route,
		metrics:     metrics,
		streams:     make(map[string]*stream),
		jobs:        make(chan job, cfg.QueueSize),
		sttSlots:    make(chan struct{}, cfg.Workers),
	}
}

// StartStream creates a stream for the client and returns its id, formed as
// "<client>_<rand8>".
func (m *Manager) StartStream(clientID string, opts StreamOpts) string {
	id := clientID + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	s := &stream{
		id:           id,
		clientID:     clientID,
		buffer:       NewBuffer(m.cfg.MaxChunkBuffer),
		opts:         opts,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
		active:       true,
	}
	if opts.VAD != nil {
		cfg := *opts.VAD
		if cfg.SampleRate <= 0 {
			cfg.SampleRate = m.cfg.SampleRate
		}
		s.vad = NewVAD(cfg)
	}

	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()

	slog.Debug("stream started", "stream_id", id, "client_id", clientID, "vad", s.vad != nil)
	return id
}

// PushChunk buffers one PCM chunk. Overflow and duration violations are
// returned as errors while the stream stays alive; the caller reports them
// and may still finalize.
func (m *Manager) PushChunk(streamID string, pcm []byte, sequence uint32, timestamp float64) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return ErrStreamUnknown
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrStreamUnknown
	}
	if time.Since(s.startedAt) > m.cfg.MaxDuration {
		s.mu.Unlock()
		return fmt.Errorf("%w: stream %s", ErrDurationExceeded, streamID)
	}
	s.lastActivity = time.Now()
	s.chunkCount++
	vadTriggered := s.vadTriggered
	s.mu.Unlock()

	if !s.buffer.Push(Chunk{PCM: pcm, Sequence: sequence, Timestamp: timestamp}) {
		return fmt.Errorf("%w: stream %s", ErrBufferOverflow, streamID)
	}

	if s.vad != nil && !vadTriggered && s.vad.Process(pcm) == Stop {
		s.mu.Lock()
		fire := !s.vadTriggered
		s.vadTriggered = true
		s.mu.Unlock()
		if fire {
			// Finalize off the ingest path so the reader never blocks.
			go func() {
				if s.opts.OnAutoStop != nil {
					s.opts.OnAutoStop(streamID)
				}
				if err := m.Finalize(streamID); err != nil {
					slog.Warn("vad auto-stop finalize failed", "stream_id", streamID, "error", err)
				}
			}()
		}
	}
	return nil
}

// Finalize ends the stream, drains its buffer and enqueues a processing job.
// Finalizing an already-finalized stream is a no-op; an unknown id is an
// error.
func (m *Manager) Finalize(streamID string) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if ok {
		delete(m.streams, streamID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	audio := s.buffer.Drain()
	j := job{streamID: streamID, clientID: s.clientID, audio: audio, opts: s.opts}
	select {
	case m.jobs <- j:
		return nil
	default:
		return fmt.Errorf("%w: dropping stream %s", ErrQueueFull, streamID)
	}
}

// Exists reports whether the stream id is known and active.
func (m *Manager) Exists(streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[streamID]
	return ok
}

// CloseClient drops all streams belonging to clientID without processing
// them. Called when the connection goes away.
func (m *Manager) CloseClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.streams {
		if s.clientID == clientID {
			delete(m.streams, id)
		}
	}
}

// Run consumes the job queue until ctx is cancelled. Each job runs in its own
// goroutine so long synthesis never blocks the queue head.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case j := <-m.jobs:
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.process(ctx, j)
			}()
		}
	}
}

// process transcribes one job's audio, routes the transcript and delivers
// the result.
func (m *Manager) process(ctx context.Context, j job) {
	ctx, span := observe.StartSpan(ctx, "stream.process")
	defer span.End()

	res := Result{StreamID: j.streamID, ClientID: j.clientID, Prefs: j.opts.Prefs}

	m.sttSlots <- struct{}{}
	start := time.Now()
	transcript, err := m.transcriber.Transcribe(ctx, j.audio, m.cfg.SampleRate, m.cfg.Language)
	<-m.sttSlots
	if m.metrics != nil {
		m.metrics.RecordSTTLatency(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		// The error transcript still flows through routing so the client
		// gets a spoken fallback instead of dead air.
		transcript = "[STT Error] " + err.Error()
		observe.Logger(ctx).Error("transcription failed", "stream_id", j.streamID, "error", err)
	}
	res.Transcript = transcript

	if m.route == nil {
		res.Reply = transcript
	} else {
		reply, err := m.route(ctx, j.clientID, transcript)
		if err != nil {
			res.Err = err
			observe.Logger(ctx).Error("routing failed", "stream_id", j.streamID, "error", err)
		}
		res.Reply = reply
	}

	if j.opts.OnResult != nil {
		j.opts.OnResult(res)
	}
}
