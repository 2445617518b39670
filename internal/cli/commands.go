package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hession/mnemo/internal/chat"
	"github.com/hession/mnemo/internal/config"
	"github.com/hession/mnemo/internal/history"
	"github.com/hession/mnemo/internal/memory"
)

const (
	listDisplayLimit         = 20
	conversationDisplayLimit = 10
)

// Action tells the REPL what to do after a command.
type Action int

const (
	ActionNone Action = iota
	ActionExit
	ActionRetry
)

// Commands handles slash commands.
type Commands struct {
	chat    *chat.Orchestrator
	history history.Store
	memory  *memory.Manager
	cfg     *config.Config
}

// NewCommands creates a command handler.
func NewCommands(orch *chat.Orchestrator, hist history.Store, mgr *memory.Manager, cfg *config.Config) *Commands {
	return &Commands{chat: orch, history: hist, memory: mgr, cfg: cfg}
}

// Handle runs one slash command and returns its output.
func (c *Commands) Handle(ctx context.Context, line string) (string, Action) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", ActionNone
	}

	switch strings.ToLower(parts[0]) {
	case "/help":
		return helpText(), ActionNone
	case "/exit", "/quit", "/q":
		return colorCyan + "Goodbye!" + colorReset, ActionExit
	case "/retry":
		return "", ActionRetry
	case "/new":
		if err := c.chat.NewConversation(); err != nil {
			return failure("Failed to start a new conversation", err), ActionNone
		}
		return colorGreen + "✅ New conversation started" + colorReset, ActionNone
	case "/clear":
		return c.clear(ctx), ActionNone
	case "/conversations":
		return c.conversations(ctx), ActionNone
	case "/load":
		if len(parts) < 2 {
			return colorYellow + "Usage: /load <conversation id>" + colorReset, ActionNone
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("%s❌ Invalid conversation id: %s%s", colorRed, parts[1], colorReset), ActionNone
		}
		return c.load(ctx, id), ActionNone
	case "/memory":
		return c.memoryCommand(ctx, parts[1:]), ActionNone
	case "/config":
		if c.cfg == nil {
			return "", ActionNone
		}
		return c.cfg.String(), ActionNone
	default:
		return fmt.Sprintf("%s❓ Unknown command: %s%s\nType /help for available commands", colorYellow, line, colorReset), ActionNone
	}
}

func (c *Commands) conversations(ctx context.Context) string {
	convs, err := c.history.ListConversations(ctx, conversationDisplayLimit)
	if err != nil {
		return failure("Failed to list conversations", err)
	}
	if len(convs) == 0 {
		return "📋 No conversations yet"
	}

	current := c.chat.ConversationID()
	var b strings.Builder
	b.WriteString("📋 Recent conversations\n\n")
	for _, conv := range convs {
		marker := " "
		if conv.ID == current {
			marker = "*"
		}
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%s %4d  %s  %s%s (%d messages)%s\n",
			marker, conv.ID, conv.UpdatedAt.Format("01-02 15:04"), title, colorGray, conv.MessageCount, colorReset)
	}
	b.WriteString("\nUse /load <id> to continue a conversation")
	return b.String()
}

// Resume loads the most recently updated conversation.
func (c *Commands) Resume(ctx context.Context) string {
	conv, err := c.history.GetLatestConversation(ctx)
	if err != nil {
		return failure("Failed to find the latest conversation", err)
	}
	if conv == nil {
		return colorGray + "No earlier conversation to resume" + colorReset
	}
	return c.load(ctx, conv.ID)
}

// clear deletes the stored messages of the current conversation and starts
// over with an empty one.
func (c *Commands) clear(ctx context.Context) string {
	id := c.chat.ConversationID()
	if err := c.chat.NewConversation(); err != nil {
		return failure("Failed to clear conversation", err)
	}
	if id != 0 {
		if err := c.history.ClearConversation(ctx, id); err != nil {
			return failure("Failed to clear conversation", err)
		}
	}
	return colorGreen + "✅ Conversation cleared" + colorReset
}

func (c *Commands) load(ctx context.Context, id int64) string {
	conv, err := c.chat.LoadConversation(ctx, id)
	if err != nil {
		return failure("Failed to load conversation", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s✅ Loaded conversation %d: %s%s\n", colorGreen, conv.ID, conv.Title, colorReset)
	for _, msg := range c.chat.Messages() {
		writeTranscriptLine(&b, msg)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeTranscriptLine(w io.Writer, msg chat.Message) {
	switch msg.Role {
	case chat.RoleUser:
		fmt.Fprintf(w, "%sYou:%s %s\n", colorGreen, colorReset, msg.Content)
	case chat.RoleAssistant:
		fmt.Fprintf(w, "%smnemo:%s %s\n", colorBlue, colorReset, msg.Content)
		if msg.Error != "" {
			fmt.Fprintf(w, "%s   (failed: %s)%s\n", colorRed, msg.Error, colorReset)
		}
	}
}

func (c *Commands) memoryCommand(ctx context.Context, args []string) string {
	if c.memory == nil {
		return colorYellow + "Memory is not available" + colorReset
	}
	if len(args) == 0 {
		args = []string{"stats"}
	}

	var b strings.Builder
	switch strings.ToLower(args[0]) {
	case "stats":
		stats, err := c.memory.Stats(ctx)
		if err != nil {
			return failure("Failed to read memory stats", err)
		}
		WriteMemoryStats(&b, stats)

	case "search":
		if len(args) < 2 {
			return colorYellow + "Usage: /memory search <query>" + colorReset
		}
		query := strings.Join(args[1:], " ")
		results, err := c.memory.Search(ctx, query)
		if err != nil {
			return failure("Memory search failed", err)
		}
		WriteSearchResults(&b, query, results)

	case "list":
		var owner *int64
		if len(args) > 1 && args[1] == "here" {
			id := c.chat.ConversationID()
			owner = &id
		}
		recs, err := c.memory.List(ctx, owner)
		if err != nil {
			return failure("Failed to list memories", err)
		}
		WriteRecords(&b, recs, listDisplayLimit)

	case "forget":
		if len(args) < 2 {
			return colorYellow + "Usage: /memory forget <id>" + colorReset
		}
		if err := c.memory.Forget(ctx, args[1]); err != nil {
			return failure("Failed to forget memory", err)
		}
		return colorGreen + "✅ Memory forgotten" + colorReset

	case "clear":
		if len(args) < 2 || args[1] != "confirm" {
			return colorYellow + "⚠️  This deletes every stored memory. Run /memory clear confirm to proceed." + colorReset
		}
		if err := c.memory.Clear(ctx); err != nil {
			return failure("Failed to clear memories", err)
		}
		return colorGreen + "✅ All memories cleared" + colorReset

	default:
		return memoryHelp()
	}
	return strings.TrimRight(b.String(), "\n")
}

// WriteMemoryStats prints store statistics.
func WriteMemoryStats(w io.Writer, s *memory.Stats) {
	fmt.Fprintf(w, "📊 Memory statistics\n\n")
	fmt.Fprintf(w, "   Total memories: %d\n", s.Total)
	if s.Total == 0 {
		return
	}
	fmt.Fprintf(w, "   Conversations:  %d\n", len(s.ByOwner))
	fmt.Fprintf(w, "   Dimension:      %d\n", s.Dimension)
	fmt.Fprintf(w, "   Oldest:         %s\n", formatMillis(s.OldestTimestamp))
	fmt.Fprintf(w, "   Newest:         %s\n", formatMillis(s.NewestTimestamp))
	fmt.Fprintf(w, "\n   By category:\n")
	for _, cat := range memory.Categories {
		if n := s.ByCategory[cat]; n > 0 {
			fmt.Fprintf(w, "     %-11s %d\n", cat, n)
		}
	}
}

// WriteSearchResults prints ranked search results.
func WriteSearchResults(w io.Writer, query string, results []memory.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintf(w, "🔍 No memories related to %q\n", query)
		return
	}
	fmt.Fprintf(w, "🔍 Memories related to %q\n\n", query)
	for i, r := range results {
		fmt.Fprintf(w, "%d. [%s] %s %s(%.2f)%s\n", i+1, r.Record.Category,
			truncateForDisplay(r.Record.Content, 100), colorGray, r.Similarity, colorReset)
		fmt.Fprintf(w, "   %s%s%s\n", colorGray, r.Record.ID, colorReset)
	}
}

// WriteRecords prints at most limit records, newest first.
func WriteRecords(w io.Writer, recs []*memory.Record, limit int) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "📝 No memories stored")
		return
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ExtractedAt > recs[j].ExtractedAt })

	fmt.Fprintf(w, "📝 Memories (%d)\n\n", len(recs))
	for i, r := range recs {
		if limit > 0 && i >= limit {
			fmt.Fprintf(w, "\n... and %d more\n", len(recs)-limit)
			break
		}
		fmt.Fprintf(w, "%s  [%s] %s\n", formatTime(r.ExtractedTime()), r.Category, truncateForDisplay(r.Content, 80))
		fmt.Fprintf(w, "   %sid %s, conversation %d%s\n", colorGray, r.ID, r.OwnerID, colorReset)
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return formatTime(time.UnixMilli(ms))
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04")
}

func failure(what string, err error) string {
	return fmt.Sprintf("%s❌ %s: %v%s", colorRed, what, err, colorReset)
}

// truncateForDisplay flattens text to one line and cuts it at maxLen runes.
func truncateForDisplay(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.TrimSpace(text)

	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}

func memoryHelp() string {
	return `📖 Memory commands

/memory                  - Show memory statistics
/memory stats            - Show memory statistics
/memory search <query>   - Search memories by meaning
/memory list [here]      - List memories (all, or this conversation's)
/memory forget <id>      - Delete one memory
/memory clear confirm    - Delete every memory`
}

func helpText() string {
	return fmt.Sprintf(`
%s📚 mnemo help%s

%sCommands:%s
  /help                  - Show this help message
  /new                   - Start a new conversation
  /clear                 - Delete this conversation's messages and start over
  /retry                 - Resend the last message
  /conversations         - List recent conversations
  /load <id>             - Continue a stored conversation
  /memory [subcommand]   - Manage long-term memory (/memory help)
  /config                - Show current configuration
  /exit                  - Exit program

%sInput tips:%s
  • End a line with \ for multi-line input, press Enter twice to submit
  • Press Ctrl+C while a reply is streaming to stop it
  • Use Up/Down arrow keys to browse input history
`, colorCyan, colorReset, colorYellow, colorReset, colorYellow, colorReset)
}
