// Package staged implements two-stage synthesis: a fast engine speaks a short
// intro while a slower, higher-quality engine produces the remainder, and an
// equal-power crossfade masks the seam between the two.
package staged

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/resilience"
	"github.com/voxhall/voxhall/internal/tts"
	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/voice"
)

// ErrNoEngine is returned when neither the main engine nor any fallback can
// serve the voice.
var ErrNoEngine = errors.New("staged: no engine for voice")

// ErrSynthesisFailed is returned when every engine in the fallback chain
// failed to produce audio.
var ErrSynthesisFailed = errors.New("staged: synthesis failed")

// Chunk is one emitted audio segment of a staged sequence. PCM is raw
// little-endian int16 mono at SampleRate.
type Chunk struct {
	SequenceID  string
	Index       int
	Total       int
	Engine      string
	SampleRate  int
	Format      string
	PCM         []byte
	CrossfadeMS int
}

// EmitFunc delivers one chunk to the client. Emission happens in index order;
// an error aborts the sequence.
type EmitFunc func(Chunk) error

// Prefs are the per-request synthesis preferences.
type Prefs struct {
	Voice  string
	Speed  float64
	Volume float64
}

// Pipeline orchestrates intro and main synthesis for one configured engine
// pair. Safe for concurrent use.
type Pipeline struct {
	mgr      *tts.Manager
	cfg      config.StagedConfig
	targetSR int
	metrics  *observe.Metrics
	cache    *synthCache

	// breakers keeps one circuit breaker per engine so a repeatedly failing
	// engine is skipped instead of eating its timeout on every utterance.
	breakersMu sync.Mutex
	breakers   map[string]*resilience.Breaker

	// firstCall tracks engines that have synthesized at least once; the
	// first call gets an extended timeout for model warmup.
	firstCall sync.Map
}

// New creates a Pipeline over the manager. targetSR forces the output sample
// rate; zero means the main engine's native rate per sequence.
func New(mgr *tts.Manager, cfg config.StagedConfig, targetSR int, metrics *observe.Metrics) *Pipeline {
	if cfg.MaxIntroLength <= 0 {
		cfg.MaxIntroLength = 120
	}
	if cfg.IntroTimeout <= 0 {
		cfg.IntroTimeout = 2 * time.Second
	}
	if cfg.MainTimeout <= 0 {
		cfg.MainTimeout = 6 * time.Second
	}
	if cfg.FirstCallFactor < 1 {
		cfg.FirstCallFactor = 1
	}
	p := &Pipeline{
		mgr:      mgr,
		cfg:      cfg,
		targetSR: targetSR,
		metrics:  metrics,
		breakers: make(map[string]*resilience.Breaker),
	}
	if cfg.CachingEnabled && cfg.CacheSize > 0 {
		p.cache = newSynthCache(cfg.CacheSize)
	}
	return p
}

// segment is synthesized audio in the float32 domain.
type segment struct {
	samples    []float32
	sampleRate int
	engine     string
}

// plan is the resolved execution plan for one sequence.
type plan struct {
	introText   string
	mainText    string
	introEngine string
	mainChain   []string
}

// Synthesize runs the staged pipeline for one reply and emits chunks through
// emit as they become ready. The caller owns sequence termination: it must
// send the sequence-end message afterwards whether Synthesize succeeds or
// fails. sequenceID is stamped on every chunk.
func (p *Pipeline) Synthesize(ctx context.Context, sequenceID, text string, prefs Prefs, emit EmitFunc) error {
	ctx, span := observe.StartSpan(ctx, "staged.synthesize")
	defer span.End()

	clean := voice.Sanitize(text)
	if clean == "" {
		return fmt.Errorf("staged: empty text after sanitizing")
	}
	v := voice.Canonicalize(prefs.Voice)

	pl := p.plan(clean, v)
	if pl.introEngine == "" && len(pl.mainChain) == 0 {
		return fmt.Errorf("%w: %q", ErrNoEngine, v)
	}

	// Intro stage. Optional: any failure falls through to main-only.
	var intro *segment
	if pl.introEngine != "" {
		seg, err := p.synthStage(ctx, pl.introEngine, pl.introText, v, prefs, p.cfg.IntroTimeout)
		if err != nil {
			observe.Logger(ctx).Warn("intro synthesis failed, continuing without intro",
				"engine", pl.introEngine, "error", err)
		} else {
			intro = seg
		}
	}

	// Intro-only sequence: the whole reply fit into the intro window.
	if intro != nil && pl.mainText == "" {
		outRate := p.outputRate(intro.sampleRate)
		return p.emitChunk(ctx, emit, Chunk{
			SequenceID: sequenceID,
			Index:      0,
			Total:      1,
			Engine:     intro.engine,
			SampleRate: outRate,
			Format:     "s16",
			PCM:        audio.Float32ToBytes(audio.ResampleFloat32(intro.samples, intro.sampleRate, outRate)),
		})
	}

	mainText := pl.mainText
	if intro == nil {
		// Consolidated path: one chunk carrying the full reply.
		mainText = clean
	}
	if len(pl.mainChain) == 0 {
		// Main text exists but only the intro engine is allowed; let it
		// carry the full reply instead of dropping the remainder.
		if intro != nil {
			pl.mainChain = []string{pl.introEngine}
			intro = nil
			mainText = clean
		} else {
			return fmt.Errorf("%w: %q", ErrNoEngine, v)
		}
	}

	var (
		total    = 1
		fadeHold []float32
	)
	// The whole sequence is emitted at one rate. The main engine's registry
	// binding predicts its native rate before synthesis runs, so the intro
	// chunk can go out early at the final rate.
	outRate := p.targetSR
	if outRate <= 0 && len(pl.mainChain) > 0 {
		if ev, err := p.mgr.Registry().Resolve(v, pl.mainChain[0]); err == nil && ev.SampleRate > 0 {
			outRate = ev.SampleRate
		}
	}
	if intro != nil {
		total = 2
		if outRate <= 0 {
			outRate = intro.sampleRate
		}
		intro.samples = audio.ResampleFloat32(intro.samples, intro.sampleRate, outRate)

		// Hold back the fade window; it blends with the main head later.
		hold := outRate * p.cfg.CrossfadeMS / 1000
		if hold > len(intro.samples) {
			hold = len(intro.samples)
		}
		head := intro.samples[:len(intro.samples)-hold]
		fadeHold = intro.samples[len(intro.samples)-hold:]

		if err := p.emitChunk(ctx, emit, Chunk{
			SequenceID: sequenceID,
			Index:      0,
			Total:      total,
			Engine:     intro.engine,
			SampleRate: outRate,
			Format:     "s16",
			PCM:        audio.Float32ToBytes(head),
		}); err != nil {
			return err
		}
	}

	// Main stage with the fallback chain.
	main, err := p.synthMain(ctx, pl.mainChain, mainText, v, prefs)
	if err != nil {
		return err
	}
	if outRate <= 0 {
		outRate = main.sampleRate
	}
	main.samples = audio.ResampleFloat32(main.samples, main.sampleRate, outRate)

	body := main.samples
	crossfadeMS := 0
	if len(fadeHold) > 0 {
		body = audio.Crossfade(fadeHold, main.samples, outRate, p.cfg.CrossfadeMS)
		crossfadeMS = p.cfg.CrossfadeMS
	}

	return p.emitChunk(ctx, emit, Chunk{
		SequenceID:  sequenceID,
		Index:       total - 1,
		Total:       total,
		Engine:      main.engine,
		SampleRate:  outRate,
		Format:      "s16",
		PCM:         audio.Float32ToBytes(body),
		CrossfadeMS: crossfadeMS,
	})
}

// plan resolves the effective engines and the intro/main text split.
func (p *Pipeline) plan(clean, canonicalVoice string) plan {
	pl := plan{}
	pl.introText, pl.mainText = splitIntro(clean, p.cfg.MaxIntroLength)

	// The pipeline emits at most two chunks per sequence, so a one-chunk
	// cap means no intro stage.
	staging := p.cfg.Enabled && p.cfg.MaxChunks != 1
	if staging && p.engineUsable(p.cfg.IntroEngine, canonicalVoice) {
		pl.introEngine = p.cfg.IntroEngine
	} else {
		// No staging: the whole reply goes down the main path.
		pl.introText, pl.mainText = "", clean
	}

	// The intro engine stays in the main chain: after a successful intro it
	// is still the last resort for the remainder of the reply.
	for _, name := range []string{p.cfg.MainEngine, "piper"} {
		if contains(pl.mainChain, name) {
			continue
		}
		if p.engineUsable(name, canonicalVoice) {
			pl.mainChain = append(pl.mainChain, name)
		}
	}
	return pl
}

// engineUsable reports whether the engine is initialized and allowed for the
// voice (unless voice caps are ignored).
func (p *Pipeline) engineUsable(name, canonicalVoice string) bool {
	if name == "" || !p.mgr.Ready(name) {
		return false
	}
	if p.cfg.IgnoreVoiceCaps {
		return true
	}
	return p.mgr.AllowedForVoice(name, canonicalVoice)
}

// synthMain walks the fallback chain until one engine delivers.
func (p *Pipeline) synthMain(ctx context.Context, chain []string, text, v string, prefs Prefs) (*segment, error) {
	var lastErr error
	for _, name := range chain {
		seg, err := p.synthStage(ctx, name, text, v, prefs, p.cfg.MainTimeout)
		if err == nil {
			return seg, nil
		}
		lastErr = err
		if !errors.Is(err, resilience.ErrOpen) {
			observe.Logger(ctx).Warn("main synthesis failed, trying fallback", "engine", name, "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, lastErr)
}

// synthStage synthesizes one segment on one engine, applying the stage
// timeout (extended for the engine's first call), the per-engine breaker, and
// the cache.
func (p *Pipeline) synthStage(ctx context.Context, engine, text, v string, prefs Prefs, timeout time.Duration) (*segment, error) {
	key := cacheKey(engine, v, text, prefs.Speed, prefs.Volume)
	if p.cache != nil {
		if e, ok := p.cache.get(key); ok {
			if p.metrics != nil {
				p.metrics.CacheHits.Add(ctx, 1)
			}
			return &segment{samples: e.samples, sampleRate: e.sampleRate, engine: e.engine}, nil
		}
		if p.metrics != nil {
			p.metrics.CacheMisses.Add(ctx, 1)
		}
	}

	if _, warmedUp := p.firstCall.LoadOrStore(engine, true); !warmedUp {
		timeout = time.Duration(float64(timeout) * p.cfg.FirstCallFactor)
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var seg *segment
	err := p.breaker(engine).Do(func() error {
		res, err := p.mgr.Synthesize(sctx, text, tts.Options{
			Engine: engine,
			Voice:  v,
			Speed:  prefs.Speed,
			Volume: prefs.Volume,
		})
		if err != nil {
			return err
		}
		pcm, sr, err := audio.DecodeWAV(res.Audio)
		if err != nil {
			return fmt.Errorf("decode engine output: %w", err)
		}
		seg = &segment{samples: audio.BytesToFloat32(pcm), sampleRate: sr, engine: res.Engine}
		return nil
	})
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) && p.metrics != nil {
			p.metrics.RecordSequenceTimeout(ctx, engine)
		}
		return nil, err
	}

	if p.cache != nil {
		p.cache.put(key, seg.samples, seg.sampleRate, seg.engine)
	}
	return seg, nil
}

func (p *Pipeline) breaker(engine string) *resilience.Breaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	b, ok := p.breakers[engine]
	if !ok {
		b = resilience.NewBreaker(resilience.BreakerConfig{Name: "tts-" + engine})
		p.breakers[engine] = b
	}
	return b
}

// outputRate is the forced target rate when configured, else the native rate.
func (p *Pipeline) outputRate(native int) int {
	if p.targetSR > 0 {
		return p.targetSR
	}
	return native
}

func (p *Pipeline) emitChunk(ctx context.Context, emit EmitFunc, c Chunk) error {
	if err := emit(c); err != nil {
		return fmt.Errorf("staged: emit chunk %d: %w", c.Index, err)
	}
	if p.metrics != nil {
		p.metrics.RecordChunk(ctx, c.Engine)
	}
	return nil
}

// CacheLen reports the number of cached segments. For introspection.
func (p *Pipeline) CacheLen() int {
	if p.cache == nil {
		return 0
	}
	return p.cache.len()
}

// splitIntro returns the first sentence of text capped at max runes on a word
// boundary, plus the remainder. An empty remainder means the whole reply fits
// the intro window.
func splitIntro(text string, max int) (intro, rest string) {
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 && idx+1 < len(text) {
		intro = strings.TrimSpace(text[:idx+1])
		rest = strings.TrimSpace(text[idx+1:])
	} else {
		intro = text
	}
	if runes := []rune(intro); len(runes) > max {
		cut := -1
		for i := range max {
			if runes[i] == ' ' {
				cut = i
			}
		}
		if cut <= 0 {
			cut = max
		}
		rest = strings.TrimSpace(string(runes[cut:]) + " " + rest)
		intro = strings.TrimSpace(string(runes[:cut]))
	}
	return intro, rest
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
