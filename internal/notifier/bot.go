package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bybit-hedge-bot/internal/config"
	"bybit-hedge-bot/internal/hedger"
	"bybit-hedge-bot/internal/models"
	"bybit-hedge-bot/internal/registry"
	"bybit-hedge-bot/internal/stats"
)

const offsetKey = "telegram:last_update_id"

const defaultFundingWindow = 24 * time.Hour

// HedgeRunner is the slice of the execution service the bot drives.
type HedgeRunner interface {
	Hedge(ctx context.Context, chatID int64, req models.HedgeRequest, sink hedger.ProgressFunc) (hedger.HedgeResult, error)
	Unhedge(ctx context.Context, chatID int64, req models.UnhedgeRequest, sink hedger.ProgressFunc) (hedger.UnhedgeResult, error)
}

type FundingStats interface {
	FundingSummary(ctx context.Context, symbol string, window time.Duration) (stats.FundingSummary, error)
}

// OffsetStore persists the last processed update id across restarts.
type OffsetStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Messenger abstracts the Telegram client for tests.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Bot polls Telegram for operator commands and dispatches them.
// Hedge and unhedge run on their own goroutines so the poll loop stays
// responsive for /cancel.
type Bot struct {
	client   Messenger
	runner   HedgeRunner
	stats    FundingStats
	reg      *registry.Registry
	store    OffsetStore
	cfg      config.TelegramConfig
	log      *zap.Logger
	allowed  map[int64]struct{}
	onlyChat int64

	wg     sync.WaitGroup
	warned bool
}

func NewBot(client Messenger, runner HedgeRunner, fs FundingStats, reg *registry.Registry, store OffsetStore, cfg config.TelegramConfig, log *zap.Logger) *Bot {
	allowed := make(map[int64]struct{}, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	var onlyChat int64
	if trimmed := strings.TrimSpace(cfg.ChatID); trimmed != "" {
		if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			onlyChat = id
		} else {
			log.Warn("invalid telegram chat_id, serving all chats", zap.String("chat_id", trimmed))
		}
	}
	return &Bot{
		client:   client,
		runner:   runner,
		stats:    fs,
		reg:      reg,
		store:    store,
		cfg:      cfg,
		log:      log,
		allowed:  allowed,
		onlyChat: onlyChat,
	}
}

// Run polls until the context ends, then waits for in-flight commands.
func (b *Bot) Run(ctx context.Context) {
	defer b.wg.Wait()
	offset := b.loadOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := b.client.GetUpdates(ctx, offset, b.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !b.warned {
				b.log.Warn("telegram polling failed", zap.Error(err))
				b.warned = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.PollInterval):
			}
			continue
		}
		if b.warned {
			b.log.Info("telegram polling recovered")
			b.warned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				b.saveOffset(ctx, offset)
			}
			b.handleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, upd Update) {
	if upd.Message == nil || upd.Message.Chat == nil || upd.Message.From == nil {
		return
	}
	msg := upd.Message
	if b.onlyChat != 0 && msg.Chat.ID != b.onlyChat {
		return
	}
	if len(b.allowed) > 0 {
		if _, ok := b.allowed[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	resp := b.dispatch(ctx, msg.Chat.ID, cmd, args)
	if resp == "" {
		return
	}
	if _, err := b.client.Send(ctx, msg.Chat.ID, resp); err != nil {
		b.log.Warn("command response failed", zap.Error(err))
	}
}

func parseCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats append the bot name: /hedge@my_bot.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (b *Bot) dispatch(ctx context.Context, chatID int64, cmd string, args []string) string {
	switch cmd {
	case "hedge":
		return b.startHedge(ctx, chatID, args)
	case "unhedge":
		return b.startUnhedge(ctx, chatID, args)
	case "cancel":
		return b.cancel(chatID, args)
	case "active":
		return b.active(chatID)
	case "funding":
		return b.funding(ctx, args)
	case "help":
		return helpText()
	default:
		return helpText()
	}
}

// parseHedgeArgs reads "/hedge <sum> <symbol> [volatility]".
func parseHedgeArgs(args []string) (models.HedgeRequest, error) {
	var req models.HedgeRequest
	if len(args) < 2 || len(args) > 3 {
		return req, errors.New("usage: /hedge <sum> <symbol> [volatility]")
	}
	sum, err := strconv.ParseFloat(args[0], 64)
	if err != nil || sum <= 0 {
		return req, fmt.Errorf("invalid sum: %s", args[0])
	}
	req.Sum = sum
	req.Symbol = strings.ToUpper(args[1])
	if len(args) == 3 {
		vol, err := strconv.ParseFloat(args[2], 64)
		if err != nil || vol < 0 {
			return req, fmt.Errorf("invalid volatility: %s", args[2])
		}
		req.Volatility = vol
	}
	return req, nil
}

func (b *Bot) startHedge(ctx context.Context, chatID int64, args []string) string {
	req, err := parseHedgeArgs(args)
	if err != nil {
		return err.Error()
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sink := b.progressSink(ctx, chatID, req.Symbol)
		res, err := b.runner.Hedge(ctx, chatID, req, sink)
		b.reply(ctx, chatID, formatHedgeOutcome(req, res, err))
	}()
	return fmt.Sprintf("hedging %s for %s %s", req.Symbol, formatFloat(req.Sum), quoteLabel(req.Symbol))
}

func (b *Bot) startUnhedge(ctx context.Context, chatID int64, args []string) string {
	if len(args) != 1 {
		return "usage: /unhedge <symbol>"
	}
	req := models.UnhedgeRequest{Symbol: strings.ToUpper(args[0])}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sink := b.progressSink(ctx, chatID, req.Symbol)
		res, err := b.runner.Unhedge(ctx, chatID, req, sink)
		b.reply(ctx, chatID, formatUnhedgeOutcome(req, res, err))
	}()
	return fmt.Sprintf("unhedging %s", req.Symbol)
}

func (b *Bot) cancel(chatID int64, args []string) string {
	if len(args) != 1 {
		return "usage: /cancel <symbol>"
	}
	symbol := strings.ToUpper(args[0])
	if !b.reg.Cancel(chatID, symbol) {
		return fmt.Sprintf("nothing running for %s", symbol)
	}
	return fmt.Sprintf("cancelling %s, open order is being withdrawn", symbol)
}

func (b *Bot) active(chatID int64) string {
	ops := b.reg.ActiveForChat(chatID)
	if len(ops) == 0 {
		return "no running operations"
	}
	var sb strings.Builder
	sb.WriteString("running operations:\n")
	for _, op := range ops {
		fmt.Fprintf(&sb, "%s %s: filled %s", op.Kind, op.Symbol, formatFloat(op.Filled.Load()))
		if id := op.OrderID.Load(); id != "" {
			fmt.Fprintf(&sb, ", order %s", id)
		}
		if op.CancelRequested() {
			sb.WriteString(" (cancelling)")
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) funding(ctx context.Context, args []string) string {
	if len(args) < 1 || len(args) > 2 {
		return "usage: /funding <symbol> [window]"
	}
	symbol := strings.ToUpper(args[0])
	window := defaultFundingWindow
	if len(args) == 2 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil || parsed <= 0 {
			return fmt.Sprintf("invalid window: %s", args[1])
		}
		window = parsed
	}
	sum, err := b.stats.FundingSummary(ctx, symbol, window)
	if err != nil {
		if errors.Is(err, stats.ErrNoData) {
			return fmt.Sprintf("no funding data for %s in the last %s", symbol, window)
		}
		return fmt.Sprintf("funding query failed: %v", err)
	}
	return fmt.Sprintf("%s funding over %s:\navg %.6f%% (%.2f%% apr)\nlatest %.6f%%, min %.6f%%, max %.6f%%, %d samples",
		symbol, window,
		sum.Average*100, sum.AnnualizedPct,
		sum.Latest*100, sum.Min*100, sum.Max*100, sum.Samples)
}

// progressSink edits a single status message as the engine reports.
// The first event creates the message; later events rewrite it.
func (b *Bot) progressSink(ctx context.Context, chatID int64, symbol string) hedger.ProgressFunc {
	var msgID int64
	return func(p hedger.Progress) {
		text := formatProgress(p)
		if msgID == 0 {
			id, err := b.client.Send(ctx, chatID, text)
			if err != nil {
				b.log.Debug("progress message failed", zap.Error(err))
				return
			}
			msgID = id
			if op, ok := b.reg.Lookup(chatID, symbol); ok {
				op.SetProgressMessageID(id)
			}
			return
		}
		if err := b.client.EditMessageText(ctx, chatID, msgID, text); err != nil {
			b.log.Debug("progress edit failed", zap.Error(err))
		}
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.client.Send(context.WithoutCancel(ctx), chatID, text); err != nil {
		b.log.Warn("reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) loadOffset(ctx context.Context) int64 {
	val, ok, err := b.store.Get(ctx, offsetKey)
	if err != nil || !ok {
		return 0
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

func (b *Bot) saveOffset(ctx context.Context, offset int64) {
	if err := b.store.Set(ctx, offsetKey, strconv.FormatInt(offset, 10)); err != nil {
		b.log.Warn("offset persistence failed", zap.Error(err))
	}
}

func formatProgress(p hedger.Progress) string {
	switch p.Stage {
	case hedger.StageComplete:
		return fmt.Sprintf("%s: done, filled %s", p.Symbol, formatFloat(p.FilledQty))
	default:
		text := fmt.Sprintf("%s %s %s: %s of %s filled at limit %s",
			p.Stage, string(p.Side), p.Symbol,
			formatFloat(p.FilledQty), formatFloat(p.TargetQty), formatFloat(p.LimitPrice))
		if p.Repositions > 0 {
			text += fmt.Sprintf(" (repositioned %d times)", p.Repositions)
		}
		return text
	}
}

func formatHedgeOutcome(req models.HedgeRequest, res hedger.HedgeResult, err error) string {
	if err != nil {
		switch {
		case errors.Is(err, hedger.ErrCancelled):
			return fmt.Sprintf("hedge %s cancelled: spot filled %s, futures filled %s",
				req.Symbol, formatFloat(res.SpotFilled), formatFloat(res.FuturesFilled))
		case errors.Is(err, registry.ErrAlreadyRunning):
			return fmt.Sprintf("an operation for %s is already running", req.Symbol)
		default:
			return fmt.Sprintf("hedge %s failed: %v", req.Symbol, err)
		}
	}
	text := fmt.Sprintf("hedge %s complete: bought %s spot (%s net in wallet), shorted %s futures",
		req.Symbol, formatFloat(res.SpotFilled), formatFloat(res.NetSpotQty), formatFloat(res.FuturesFilled))
	if !res.BalanceVerified {
		text += "\nwarning: wallet balance could not be verified, order state was trusted"
	}
	return text
}

func formatUnhedgeOutcome(req models.UnhedgeRequest, res hedger.UnhedgeResult, err error) string {
	if err != nil {
		switch {
		case errors.Is(err, hedger.ErrCancelled):
			return fmt.Sprintf("unhedge %s cancelled: futures closed %s, spot sold %s",
				req.Symbol, formatFloat(res.FuturesFilled), formatFloat(res.SpotFilled))
		case errors.Is(err, registry.ErrAlreadyRunning):
			return fmt.Sprintf("an operation for %s is already running", req.Symbol)
		case errors.Is(err, hedger.ErrNothingToUnhedge):
			return fmt.Sprintf("no completed hedge to unwind for %s", req.Symbol)
		default:
			return fmt.Sprintf("unhedge %s failed: %v", req.Symbol, err)
		}
	}
	return fmt.Sprintf("unhedge %s complete: closed %s futures, sold %s spot",
		req.Symbol, formatFloat(res.FuturesFilled), formatFloat(res.SpotFilled))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quoteLabel(symbol string) string {
	for _, quote := range []string{"USDT", "USDC"} {
		if strings.HasSuffix(symbol, quote) {
			return quote
		}
	}
	return "quote"
}

func helpText() string {
	return strings.Join([]string{
		"commands:",
		"/hedge <sum> <symbol> [volatility] - open a delta neutral position",
		"/unhedge <symbol> - unwind the most recent hedge",
		"/cancel <symbol> - stop the running operation",
		"/active - list running operations",
		"/funding <symbol> [window] - funding rate stats, e.g. /funding BTCUSDT 24h",
		"/help - this text",
	}, "\n")
}
