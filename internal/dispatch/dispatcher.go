// Package dispatch serves chat messages: slash commands, and free text routed
// through the intent classifier onto the skill registry.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsagent/internal/classifier"
	rtsup "opsagent/internal/runtime/supervisor"
	"opsagent/internal/skill"
	"opsagent/internal/storage"
	"opsagent/internal/task/engine"
	"opsagent/internal/transport"
	logx "opsagent/pkg/logx"
)

// Runner executes skills off the dispatch workers.
type Runner interface {
	Go(ctx context.Context, t engine.Task) <-chan engine.Result
}

// History persists the conversational context of CHAT replies.
type History interface {
	AppendChat(ctx context.Context, e storage.ChatEntry) error
	RecentChat(ctx context.Context, recipient string, limit int) ([]storage.ChatEntry, error)
}

type Config struct {
	// OwnerUserIDs and OwnerChats select who is served. Both empty serves everyone.
	OwnerUserIDs []int64
	OwnerChats   []string

	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	SkillTimeout   time.Duration
	HistoryLimit   int
	Location       *time.Location
}

type Services struct {
	Skills     *skill.Registry
	Classifier classifier.Classifier
	Runner     Runner
	History    History
}

type Request struct {
	ID      string
	Chat    transport.Recipient
	FromID  int64
	Text    string
	Command string
	Args    string
	Log     logx.Logger
}

type Dispatcher struct {
	cfg  Config
	log  logx.Logger
	out  transport.Sender
	serv Services
	cmds map[string]Command
	now  func() time.Time

	mu   sync.Mutex
	jobs chan func()
}

func New(cfg Config, out transport.Sender, serv Services, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.SkillTimeout <= 0 {
		cfg.SkillTimeout = 2 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	d := &Dispatcher{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "dispatch")),
		out:  out,
		serv: serv,
		now:  time.Now,
	}
	d.cmds = map[string]Command{}
	for _, c := range d.commands() {
		d.cmds[c.Name] = c
	}
	return d
}

// Run consumes updates until ctx ends or the channel closes. Requests run on
// a bounded worker pool; a full queue answers "busy".
func (d *Dispatcher) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(d.log), rtsup.WithCancelOnError(false))
	jobs := make(chan func(), d.cfg.QueueSize)
	d.mu.Lock()
	d.jobs = jobs
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		sup.GoRestart("dispatch.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}
	d.log.Info("dispatcher started", logx.Int("workers", d.cfg.Workers), logx.Int("queue", d.cfg.QueueSize))

	defer func() {
		d.mu.Lock()
		d.jobs = nil
		d.mu.Unlock()
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		d.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			msg := *up.Message
			if !d.tryEnqueue(func() { _ = d.Handle(ctx, msg) }) {
				_, _ = d.out.SendText(ctx, msg.Chat, textBusy, nil)
			}
		}
	}
}

func (d *Dispatcher) tryEnqueue(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs == nil {
		return false
	}
	select {
	case d.jobs <- fn:
		return true
	default:
		return false
	}
}

// Handle serves one message synchronously.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	if !d.allowed(msg) {
		d.log.Warn("message from non-owner ignored", logx.String("chat", msg.Chat.String()), logx.Int64("from_id", msg.FromID))
		return nil
	}

	req := &Request{ID: uuid.NewString(), Chat: msg.Chat, FromID: msg.FromID, Text: text}
	h := d.handleText
	if strings.HasPrefix(text, "/") {
		word, args, _ := strings.Cut(text, " ")
		word = strings.ToLower(strings.TrimPrefix(word, "/"))
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		req.Command, req.Args = word, strings.TrimSpace(args)
		cmd, ok := d.cmds[word]
		if !ok {
			d.reply(ctx, req.Chat, textUnknownCmd)
			return nil
		}
		h = cmd.Handle
	} else {
		req.Command = "text"
	}
	req.Log = d.log.With(
		logx.String("rid", req.ID),
		logx.String("chat", req.Chat.String()),
		logx.Int64("from_id", req.FromID),
	)

	final := Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(d.cfg.RequestTimeout))
	err := final(ctx, req)
	if err != nil {
		d.reply(ctx, req.Chat, "⚠️ Error processing request. Please try again.")
	}
	return err
}

func (d *Dispatcher) allowed(msg transport.Message) bool {
	if len(d.cfg.OwnerUserIDs) == 0 && len(d.cfg.OwnerChats) == 0 {
		return true
	}
	for _, id := range d.cfg.OwnerUserIDs {
		if id == msg.FromID {
			return true
		}
	}
	for _, c := range d.cfg.OwnerChats {
		if strings.TrimSpace(c) == msg.Chat.String() {
			return true
		}
	}
	return false
}

// handleText classifies free text and either chats or runs a skill.
func (d *Dispatcher) handleText(ctx context.Context, req *Request) error {
	now := d.now().In(d.cfg.Location)
	intent, err := d.serv.Classifier.Classify(ctx, req.Text, d.serv.Skills.Describe(), now)
	if err != nil {
		req.Log.Warn("classification failed", logx.Err(err))
		d.reply(ctx, req.Chat, textBrainFreeze)
		return nil
	}
	req.Log.Info("intent", logx.String("action", intent.Action))

	if intent.Action == classifier.ActionChat {
		return d.chat(ctx, req, now)
	}
	if _, ok := d.serv.Skills.Lookup(intent.Action); !ok {
		d.reply(ctx, req.Chat, "❓ Skill not found: "+intent.Action)
		return nil
	}
	d.notify(ctx, req.Chat, "⚡ Executing "+intent.Action+"...")
	d.reply(ctx, req.Chat, d.runSkill(ctx, req, intent.Action, intent.Params))
	return nil
}

// runSkill dispatches name on the task engine and returns the text to send.
func (d *Dispatcher) runSkill(ctx context.Context, req *Request, name string, bag map[string]any) string {
	var out string
	res := <-d.serv.Runner.Go(ctx, engine.Task{
		ID:      req.ID,
		Name:    "skill:" + name,
		Timeout: d.cfg.SkillTimeout,
		Opt:     engine.TaskOptions{RetryMax: engine.NoRetries},
		Run: func(ctx context.Context) error {
			var err error
			out, err = d.serv.Skills.Dispatch(ctx, name, bag, skill.Context{Recipient: req.Chat.String()})
			return err
		},
	})
	if res.Err != nil {
		var pe *skill.PanicError
		if errors.As(res.Err, &pe) {
			req.Log.Error("skill panic", logx.String("skill", name), logx.Any("panic", pe.Value), logx.String("stack", string(pe.Stack)))
		} else {
			req.Log.Warn("skill failed", logx.String("skill", name), logx.Err(res.Err))
		}
		return UserText(name, res.Err, d.cfg.SkillTimeout)
	}
	if strings.TrimSpace(out) == "" {
		return "✅ Done."
	}
	return out
}

func (d *Dispatcher) chat(ctx context.Context, req *Request, now time.Time) error {
	hist := d.serv.History
	recipient := req.Chat.String()
	var msgs []classifier.Message
	if hist != nil {
		prior, err := hist.RecentChat(ctx, recipient, d.cfg.HistoryLimit)
		if err != nil {
			req.Log.Warn("chat history unavailable", logx.Err(err))
		}
		for _, e := range prior {
			msgs = append(msgs, classifier.Message{Role: e.Role, Content: e.Content})
		}
		if err := hist.AppendChat(ctx, storage.ChatEntry{Recipient: recipient, Role: "user", Content: req.Text}); err != nil {
			req.Log.Warn("chat history append failed", logx.Err(err))
		}
	}

	reply, err := d.serv.Classifier.Reply(ctx, msgs, req.Text, now)
	if err != nil {
		req.Log.Warn("chat reply failed", logx.Err(err))
		d.reply(ctx, req.Chat, "⚠️ I couldn't reach my brain right now. Please try again.")
		return nil
	}
	if hist != nil {
		if err := hist.AppendChat(ctx, storage.ChatEntry{Recipient: recipient, Role: "assistant", Content: reply}); err != nil {
			req.Log.Warn("chat history append failed", logx.Err(err))
		}
	}
	d.send(ctx, req.Chat, reply, &transport.SendOptions{ParseMode: "Markdown"})
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, to transport.Recipient, text string) {
	d.send(ctx, to, text, &transport.SendOptions{ParseMode: "Markdown"})
}

func (d *Dispatcher) notify(ctx context.Context, to transport.Recipient, text string) {
	d.send(ctx, to, text, &transport.SendOptions{DisablePreview: true})
}

func (d *Dispatcher) send(ctx context.Context, to transport.Recipient, text string, opt *transport.SendOptions) {
	if _, err := d.out.SendText(ctx, to, text, opt); err != nil {
		d.log.Warn("reply failed", logx.String("chat", to.String()), logx.Err(err))
	}
}
