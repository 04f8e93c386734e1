// Package cognition routes language between the realtime session, the tool
// registry and the robot bus. It turns user transcripts into voice_command
// messages, executes the model's function calls, and injects camera frame
// descriptions back into the conversation as text.
package cognition

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/internal/tools"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

// Session is the slice of the realtime transport the cognition actor uses.
type Session interface {
	Send(ev realtime.ClientEvent) error
	Subscribe(eventType string, h realtime.Handler) int
	Unsubscribe(eventType string, id int)
}

// Config tunes the cognition actor. Zero values select the defaults.
type Config struct {
	// MaxToolChain caps consecutive tool invocations within one user turn.
	// When the model exceeds it, the call is answered with an error output
	// instead of being dispatched. Defaults to 4.
	MaxToolChain int

	// Commands overrides the spoken-directive set. Nil selects
	// [DefaultCommands]; an empty non-nil slice disables the filter.
	Commands []Command

	// SpeechConfidence is attached to voice_command messages. The realtime
	// API reports no per-utterance confidence, so this is a fixed estimate.
	// Defaults to 0.9.
	SpeechConfidence float64
}

func (c *Config) applyDefaults() {
	if c.MaxToolChain <= 0 {
		c.MaxToolChain = 4
	}
	if c.SpeechConfidence <= 0 {
		c.SpeechConfidence = 0.9
	}
}

// Stats is a snapshot of cognition counters.
type Stats struct {
	ToolCalls       int64
	ToolErrors      int64
	CommandsMatched int64
	FramesDescribed int64
}

// Actor is the cognition loop. Create with [New], drive with [Run].
type Actor struct {
	session   Session
	bus       *bus.Bus
	registry  *tools.Registry
	filter    *Filter
	describer Describer
	metrics   *observe.Metrics
	cfg       Config

	mu    sync.Mutex
	args  map[string]*strings.Builder // call_id → streamed arguments
	chain int                         // tool calls since the last user turn

	wg sync.WaitGroup

	toolCalls       atomic.Int64
	toolErrors      atomic.Int64
	commandsMatched atomic.Int64
	framesDescribed atomic.Int64
}

// Option configures an [Actor].
type Option func(*Actor)

// WithDescriber installs the camera frame describer. Without one, visual_data
// messages are dropped.
func WithDescriber(d Describer) Option {
	return func(a *Actor) { a.describer = d }
}

// New creates a cognition actor.
func New(session Session, b *bus.Bus, registry *tools.Registry, cfg Config, opts ...Option) *Actor {
	cfg.applyDefaults()
	a := &Actor{
		session:  session,
		bus:      b,
		registry: registry,
		filter:   NewFilter(cfg.Commands),
		metrics:  observe.DefaultMetrics(),
		cfg:      cfg,
		args:     make(map[string]*strings.Builder),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stats returns a snapshot of the counters.
func (a *Actor) Stats() Stats {
	return Stats{
		ToolCalls:       a.toolCalls.Load(),
		ToolErrors:      a.toolErrors.Load(),
		CommandsMatched: a.commandsMatched.Load(),
		FramesDescribed: a.framesDescribed.Load(),
	}
}

// Run subscribes to the session and the bus and blocks until ctx is done.
func (a *Actor) Run(ctx context.Context) error {
	type sub struct {
		eventType string
		handler   realtime.Handler
	}
	wanted := []sub{
		{realtime.TypeInputTranscriptionComplete, func(ev *realtime.ServerEvent) { a.onUserTranscript(ev) }},
		{realtime.TypeResponseTranscriptDone, func(ev *realtime.ServerEvent) { a.onAssistantTranscript(ev) }},
		{realtime.TypeFunctionCallArgumentsDelta, func(ev *realtime.ServerEvent) { a.onArgumentsDelta(ev) }},
		{realtime.TypeFunctionCallArgumentsDone, func(ev *realtime.ServerEvent) { a.onArgumentsDone(ctx, ev) }},
	}
	for _, s := range wanted {
		id := a.session.Subscribe(s.eventType, s.handler)
		defer a.session.Unsubscribe(s.eventType, id)
	}

	err := a.bus.Register(bus.NodeSpec{
		Name:      "cognition",
		Publishes: []bus.Topic{bus.TopicVoiceCommand, bus.TopicTextResponse, bus.TopicRobotAction},
		Subscribes: map[bus.Topic]func(bus.Message){
			bus.TopicVisualData: func(msg bus.Message) { a.onVisualData(ctx, msg) },
		},
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	a.wg.Wait()
	return ctx.Err()
}

// onUserTranscript handles a completed transcription of user speech. It opens
// a new turn for the tool chain budget, publishes the text as a voice command
// and short-circuits spoken directives straight to robot_action.
func (a *Actor) onUserTranscript(ev *realtime.ServerEvent) {
	text := strings.TrimSpace(ev.Transcript)
	if text == "" {
		return
	}

	a.mu.Lock()
	a.chain = 0
	a.mu.Unlock()

	a.bus.Publish("cognition", bus.TopicVoiceCommand, bus.VoiceCommand{
		Text:       text,
		Confidence: a.cfg.SpeechConfidence,
		Timestamp:  time.Now(),
	})

	if cmd, score, ok := a.filter.Match(text); ok {
		a.commandsMatched.Add(1)
		slog.Info("spoken directive matched", "phrase", cmd.Phrase, "score", score)
		a.bus.Publish("cognition", bus.TopicRobotAction, bus.RobotAction{
			Actions:   cmd.Actions,
			Priority:  1,
			Timestamp: time.Now(),
		})
	}
}

// onAssistantTranscript republishes the transcript of spoken assistant audio
// for downstream observers. The transcript always arrives while the synthesis
// turn is still open, so it cannot trigger a second synthesis request.
func (a *Actor) onAssistantTranscript(ev *realtime.ServerEvent) {
	text := strings.TrimSpace(ev.Transcript)
	if text == "" {
		return
	}
	a.bus.Publish("cognition", bus.TopicTextResponse, bus.TextResponse{
		Text:      text,
		Timestamp: time.Now(),
	})
}

func (a *Actor) onArgumentsDelta(ev *realtime.ServerEvent) {
	id := ev.CallID
	if id == "" {
		id = ev.ItemID
	}
	if id == "" || ev.Delta == "" {
		return
	}
	a.mu.Lock()
	sb, ok := a.args[id]
	if !ok {
		sb = &strings.Builder{}
		a.args[id] = sb
	}
	sb.WriteString(ev.Delta)
	a.mu.Unlock()
}

// onArgumentsDone resolves the final argument string, enforces the per-turn
// chain budget and dispatches the call off the transport goroutine.
func (a *Actor) onArgumentsDone(ctx context.Context, ev *realtime.ServerEvent) {
	callID := ev.CallID
	if callID == "" {
		callID = ev.ItemID
	}
	if callID == "" {
		slog.Warn("function call without call id dropped", "name", ev.Name)
		return
	}

	a.mu.Lock()
	argsJSON := ev.Arguments
	if sb, ok := a.args[callID]; ok {
		if argsJSON == "" {
			argsJSON = sb.String()
		}
		delete(a.args, callID)
	}
	a.chain++
	overBudget := a.chain > a.cfg.MaxToolChain
	a.mu.Unlock()

	if argsJSON == "" {
		argsJSON = "{}"
	}

	if overBudget {
		a.toolErrors.Add(1)
		slog.Warn("tool chain budget exhausted", "name", ev.Name, "limit", a.cfg.MaxToolChain)
		a.respond(callID, errorPayload("tool chain limit reached, answer with what you have"))
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatch(ctx, ev.Name, callID, argsJSON)
	}()
}

// dispatch runs one tool call and sends its output followed by a
// response.create so the model continues the turn.
func (a *Actor) dispatch(ctx context.Context, name, callID, argsJSON string) {
	ctx, span := observe.StartSpan(ctx, "tool "+name)
	defer span.End()

	a.toolCalls.Add(1)
	start := time.Now()
	out, err := a.registry.Dispatch(ctx, name, argsJSON)
	a.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		a.toolErrors.Add(1)
		observe.Logger(ctx).Warn("tool call failed", "name", name, "err", err)
		out = errorPayload(err.Error())
	}
	a.metrics.RecordToolCall(ctx, name, status)
	a.respond(callID, out)
}

func (a *Actor) respond(callID, output string) {
	if err := a.session.Send(realtime.NewFunctionCallOutput(callID, output)); err != nil {
		slog.Error("send function call output", "call_id", callID, "err", err)
		return
	}
	if err := a.session.Send(realtime.ResponseCreate{}); err != nil {
		slog.Error("send response.create after tool call", "call_id", callID, "err", err)
	}
}

// onVisualData describes a captured frame out of band and injects the result
// as a user message. Raw image bytes never reach the realtime session.
func (a *Actor) onVisualData(ctx context.Context, msg bus.Message) {
	frame, ok := msg.Payload.(bus.VisualData)
	if !ok || frame.ImageData == "" {
		return
	}
	if a.describer == nil {
		slog.Debug("visual data dropped, no describer configured", "capture_id", frame.CaptureID)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		start := time.Now()
		desc, err := a.describer.Describe(ctx, frame.ImageData)
		a.metrics.DescribeDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			slog.Warn("describe camera frame", "capture_id", frame.CaptureID, "err", err)
			return
		}
		a.framesDescribed.Add(1)
		if err := a.session.Send(realtime.NewUserMessage("[Camera view: " + desc + "]")); err != nil {
			slog.Error("send camera description", "capture_id", frame.CaptureID, "err", err)
			return
		}
		if err := a.session.Send(realtime.ResponseCreate{}); err != nil {
			slog.Error("send response.create after camera description", "err", err)
		}
	}()
}

func errorPayload(message string) string {
	data, err := json.Marshal(map[string]string{
		"status":  "error",
		"message": message,
	})
	if err != nil {
		return `{"status":"error"}`
	}
	return string(data)
}
