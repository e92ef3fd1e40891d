package prompts

import "fmt"

// DigestChannelPrompt returns the messages for summarizing one
// channel's history. A partial prompt covers one chunk of a history
// too long for a single call; its result is merged later.
func DigestChannelPrompt(channel, task, history string, partial bool) (system, user string) {
	if partial {
		system = fmt.Sprintf("Ты анализируешь часть истории канала '%s'. "+
			"Создай краткую сводку ключевых тем и событий из этой части. "+
			"Эта сводка будет объединена с другими частями.", channel)
	} else {
		system = fmt.Sprintf("Ты анализируешь историю канала '%s'. Задача от пользователя: %s", channel, task)
	}
	return system, "История сообщений:\n\n" + history
}

// DigestMergePrompt returns the messages for joining the partial
// summaries of one channel.
func DigestMergePrompt(channel, task, parts string) (system, user string) {
	system = fmt.Sprintf("Ты получил несколько частичных сводок по каналу '%s'. "+
		"Объедини их в единую связную сводку согласно задаче пользователя: %s", channel, task)
	return system, "Частичные сводки:\n\n" + parts
}

// DigestChannelsPrompt returns the messages for one summary across
// several channels' summaries.
func DigestChannelsPrompt(task, summaries string) (system, user string) {
	system = "Ты получил сводки по нескольким каналам. " +
		fmt.Sprintf("Создай общую сводку согласно задаче: %s\n\n", task) +
		"Если каналы связаны тематически, выдели общие темы и тренды."
	return system, "Сводки по каналам:\n\n" + summaries
}
