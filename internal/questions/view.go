package questions

import "sort"

// DerivedView is the presentation order of questions: tombstones removed,
// unanswered before answered, then higher net score, then newer first.
// The input is not modified.
func DerivedView(questions []Question) []Question {
	view := make([]Question, 0, len(questions))
	for _, question := range questions {
		if question.IsDeleted() {
			continue
		}
		view = append(view, question)
	}
	sort.SliceStable(view, func(i, j int) bool {
		left, right := view[i], view[j]
		if left.IsAnsweredByAdmin != right.IsAnsweredByAdmin {
			return !left.IsAnsweredByAdmin
		}
		if left.NetScore() != right.NetScore() {
			return left.NetScore() > right.NetScore()
		}
		return left.CreatedAt.After(right.CreatedAt)
	})
	return view
}
