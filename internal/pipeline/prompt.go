package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

// promptHeader is the system instruction prepended to every generation.
// The model must answer strictly from the supplied extracts and reference
// them by number, so the citation list the caller receives stays truthful.
const promptHeader = `Ты — ИИ-юрист, консультирующий по российскому законодательству.
Ответь на вопрос пользователя, опираясь ИСКЛЮЧИТЕЛЬНО на приведённые ниже выдержки из нормативных актов.
Правила:
- Ссылайся на выдержки по номеру в квадратных скобках, например [1].
- Если выдержки не содержат ответа, прямо скажи об этом. Не придумывай нормы права.
- Отвечай по-русски, ясно и по существу.`

// buildPrompt renders the final prompt: instructions, an optional validity
// date note, the numbered context blocks in rank order, and the question.
// Block numbers line up with the caller's citation list.
func buildPrompt(question string, ranked []retrieval.RerankedResult, asOf *time.Time) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n\n")

	if asOf != nil {
		fmt.Fprintf(&b, "Вопрос касается правового положения по состоянию на %s.\n\n", asOf.Format("02.01.2006"))
	}

	b.WriteString("Выдержки из документов:\n\n")
	for i, r := range ranked {
		fmt.Fprintf(&b, "[%d] %s", i+1, r.Chunk.Metadata.Source)
		if r.Chunk.Metadata.Article != "" {
			fmt.Fprintf(&b, ", %s", r.Chunk.Metadata.Article)
		}
		if r.Chunk.Metadata.Edition != "" {
			fmt.Fprintf(&b, " (ред. %s)", r.Chunk.Metadata.Edition)
		}
		b.WriteString(":\n")
		b.WriteString(r.Chunk.Text)
		b.WriteString("\n\n")
	}

	b.WriteString("Вопрос: ")
	b.WriteString(question)
	return b.String()
}
