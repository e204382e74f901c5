package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"opsagent/internal/transport"
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Handle      HandlerFunc
}

func (d *Dispatcher) commands() []Command {
	skillCmd := func(name string, bag func(req *Request) map[string]any) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			var b map[string]any
			if bag != nil {
				b = bag(req)
			}
			d.reply(ctx, req.Chat, d.runSkill(ctx, req, name, b))
			return nil
		}
	}
	return []Command{
		{Name: "start", Description: "Start the assistant", Handle: d.cmdStart},
		{Name: "help", Description: "Show commands and skills", Handle: d.cmdHelp},
		{Name: "note", Description: "Save a quick note", Usage: "/note <text>", Handle: d.cmdNote},
		{Name: "notes", Description: "List recent notes", Handle: skillCmd("LIST_NOTES", nil)},
		{Name: "reminders", Description: "List active reminders", Handle: skillCmd("QUERY_SCHEDULE", func(*Request) map[string]any {
			return map[string]any{"time_range": "all"}
		})},
		{Name: "workflows", Description: "List scheduled workflows", Handle: skillCmd("LIST_WORKFLOWS", nil)},
		{Name: "status", Description: "Check system health", Handle: skillCmd("SYSTEM_STATUS", nil)},
		{Name: "skills", Description: "List available skills", Handle: d.cmdSkills},
	}
}

// MenuCommands lists commands for the transport's command menu.
func (d *Dispatcher) MenuCommands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(d.cmds))
	for _, c := range d.commands() {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (d *Dispatcher) cmdStart(ctx context.Context, req *Request) error {
	d.reply(ctx, req.Chat, "👋 *Ops Assistant Online*\n\n"+
		"🧠 Persistent memory (I remember our chat)\n"+
		"📝 Notes (`/note content`)\n"+
		"⏰ Reminders (\"Remind me to...\")\n"+
		"⚙️ Scheduled workflows and health monitoring\n"+
		"💼 ERP tasks and invoices\n\n"+
		"Type /help for commands.")
	return nil
}

func (d *Dispatcher) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("🤖 Assistant Help\n\nJust chat with me normally, I understand natural language.\n\nCommands:\n")
	for _, c := range d.commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, c.Description)
	}
	b.WriteString("\nSkills:\n")
	b.WriteString(d.serv.Skills.Describe())
	d.send(ctx, req.Chat, strings.TrimRight(b.String(), "\n"), &transport.SendOptions{DisablePreview: true})
	return nil
}

func (d *Dispatcher) cmdNote(ctx context.Context, req *Request) error {
	if req.Args == "" {
		d.reply(ctx, req.Chat, "Usage: /note <text>")
		return nil
	}
	d.reply(ctx, req.Chat, d.runSkill(ctx, req, "ADD_NOTE", map[string]any{"content": req.Args}))
	return nil
}

func (d *Dispatcher) cmdSkills(ctx context.Context, req *Request) error {
	names := d.serv.Skills.Names()
	sort.Strings(names)
	var b strings.Builder
	fmt.Fprintf(&b, "🧰 Skills (%d):\n", len(names))
	for _, n := range names {
		s, _ := d.serv.Skills.Lookup(n)
		fmt.Fprintf(&b, "• %s: %s\n", n, s.Description)
	}
	d.send(ctx, req.Chat, strings.TrimRight(b.String(), "\n"), nil)
	return nil
}
