package prompts

import (
	"fmt"
	"strings"
)

// watcherFilterSystem turns the model into an index filter.
const watcherFilterSystem = `Ты фильтр сообщений. Получаешь список сообщений и критерий поиска.
Верни JSON-массив номеров сообщений, которые соответствуют критерию.
Если ни одно не подходит, верни пустой массив [].
Ответь ТОЛЬКО JSON-массивом номеров, без пояснений.`

// WatcherFilterPrompt returns the system and user messages asking which
// of lines match criterion. Lines are numbered from 1.
func WatcherFilterPrompt(criterion string, lines []string) (system, user string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Критерий: %s\n\nСообщения:\n", criterion)
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, l)
	}
	sb.WriteString("\n\nОтветь ТОЛЬКО JSON-массивом номеров: [1, 3, 5]")
	return watcherFilterSystem, sb.String()
}
