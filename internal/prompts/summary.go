package prompts

// summarySystem asks for a short recap of an idle conversation.
const summarySystem = `Кратко суммаризируй диалог в 2-3 предложениях на русском. Укажи основные темы и результаты.`

// SummaryFallback replaces a summary the model failed to produce.
const SummaryFallback = "Предыдущий диалог был суммаризирован."

// SummaryEmpty replaces an empty summary.
const SummaryEmpty = "Предыдущий диалог."

// SummaryPrompt returns the system and user messages for summarizing
// transcript, a block of "role: content" lines.
func SummaryPrompt(transcript string) (system, user string) {
	return summarySystem, "Суммаризируй:\n\n" + transcript
}
