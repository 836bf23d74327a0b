package notify

import (
	"fmt"
	"strings"
	"time"

	"confluence/internal/orchestrator"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的推送内容。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown 生成 Markdown 文本，自动裁剪长度。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	header := strings.TrimSpace(m.Icon + " " + m.Title)
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	if block := renderSections(m.Sections); block != "" {
		b.WriteString(block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func renderSections(secs []MessageSection) string {
	var b strings.Builder
	written := 0
	for _, sec := range secs {
		lines := sanitizeLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if written > 0 {
			b.WriteString("\n")
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title))
			b.WriteString("\n")
		}
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
		written++
	}
	if written == 0 {
		return ""
	}
	return "```\n" + b.String() + "```\n\n"
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

// FormatEvent 将编排器事件转为推送消息。
func FormatEvent(ev orchestrator.Event) StructuredMessage {
	msg := StructuredMessage{
		Icon:      iconFor(ev.Kind),
		Title:     titleFor(ev),
		Timestamp: ev.At,
	}
	var lines []string
	if ev.Detail != "" {
		lines = append(lines, ev.Detail)
	}
	if ev.SignalID != "" {
		lines = append(lines, "信号: "+ev.SignalID)
	}
	if ev.Err != nil {
		lines = append(lines, "错误: "+ev.Err.Error())
	}
	if len(lines) > 0 {
		msg.Sections = append(msg.Sections, MessageSection{Title: "概要", Lines: lines})
	}
	if d := ev.Decision; d != nil {
		msg.Sections = append(msg.Sections, MessageSection{
			Title: "决策",
			Lines: []string{
				fmt.Sprintf("方向: %s", d.Side),
				fmt.Sprintf("评分: %.1f 可靠度: %.2f", d.Score, d.Reliability),
				fmt.Sprintf("仓位: %.2f%% 止损: %.2f%%", d.PositionFraction*100, d.StopLossFraction*100),
			},
		})
	}
	if r := ev.Result; r != nil {
		lines := []string{
			fmt.Sprintf("状态: %s", r.Status),
			fmt.Sprintf("成交: %g @ %g", r.FilledQty, r.AvgPrice),
		}
		if r.ClientOrderID != "" {
			lines = append(lines, "订单: "+r.ClientOrderID)
		}
		if r.Duplicate {
			lines = append(lines, "重复请求，未重新下单")
		}
		msg.Sections = append(msg.Sections, MessageSection{Title: "执行", Lines: lines})
	}
	return msg
}

func iconFor(kind orchestrator.EventKind) string {
	switch kind {
	case orchestrator.EventOrderOpened:
		return "✅"
	case orchestrator.EventOrderFailed, orchestrator.EventSymbolError:
		return "⚠️"
	case orchestrator.EventRiskClose:
		return "🛑"
	case orchestrator.EventRemovalBlocked:
		return "⏳"
	case orchestrator.EventShutdown:
		return "🔌"
	default:
		return "ℹ️"
	}
}

func titleFor(ev orchestrator.Event) string {
	var label string
	switch ev.Kind {
	case orchestrator.EventOrderOpened:
		label = "开仓/调仓成功"
	case orchestrator.EventOrderFailed:
		label = "下单失败"
	case orchestrator.EventRiskClose:
		label = "风控强平"
	case orchestrator.EventSymbolError:
		label = "处理异常"
	case orchestrator.EventRemovalBlocked:
		label = "移除受阻"
	case orchestrator.EventInstrumentAdded:
		label = "新增交易对"
	case orchestrator.EventInstrumentRemoved:
		label = "移除交易对"
	case orchestrator.EventShutdown:
		label = "系统关闭"
	default:
		label = string(ev.Kind)
	}
	if ev.Symbol == "" {
		return label
	}
	return ev.Symbol + " " + label
}
