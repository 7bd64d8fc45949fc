package questions

// Outcome describes what a remote event did to the canonical list.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeSelf          Outcome = "self"
	OutcomeNoMatch       Outcome = "no_match"
	OutcomeOtherRoom     Outcome = "other_room"
	OutcomeUndecryptable Outcome = "undecryptable"
	OutcomeUnchanged     Outcome = "unchanged"
)

// The merge helpers never touch their input; a changed list is always a new
// slice so that readers holding the old one see a consistent value.

func indexOf(questions []Question, id uint64) int {
	for index, question := range questions {
		if question.ID == id {
			return index
		}
	}
	return -1
}

func appendQuestion(questions []Question, added Question) ([]Question, Outcome) {
	if indexOf(questions, added.ID) >= 0 {
		return questions, OutcomeDuplicate
	}
	next := make([]Question, len(questions), len(questions)+1)
	copy(next, questions)
	return append(next, added), OutcomeApplied
}

// updateQuestion copies the list and applies mutate to the question with id.
// mutate reports whether it changed anything.
func updateQuestion(questions []Question, id uint64, mutate func(*Question) bool) ([]Question, Outcome) {
	index := indexOf(questions, id)
	if index < 0 {
		return questions, OutcomeNoMatch
	}
	updated := questions[index]
	if !mutate(&updated) {
		return questions, OutcomeUnchanged
	}
	next := make([]Question, len(questions))
	copy(next, questions)
	next[index] = updated
	return next, OutcomeApplied
}

// mergeVoteCounts keeps the larger of each counter. Counters only grow on the
// ledger, so a replayed or late event can never lower them.
func mergeVoteCounts(questions []Question, id, upvotes, downvotes uint64) ([]Question, Outcome) {
	return updateQuestion(questions, id, func(question *Question) bool {
		changed := false
		if upvotes > question.UpvoteCount {
			question.UpvoteCount = upvotes
			changed = true
		}
		if downvotes > question.DownvoteCount {
			question.DownvoteCount = downvotes
			changed = true
		}
		return changed
	})
}

func replaceContent(questions []Question, id uint64, content string) ([]Question, Outcome) {
	return updateQuestion(questions, id, func(question *Question) bool {
		if question.Content == content {
			return false
		}
		question.Content = content
		return true
	})
}

func setAnswered(questions []Question, id uint64, answered bool) ([]Question, Outcome) {
	return updateQuestion(questions, id, func(question *Question) bool {
		if question.IsAnsweredByAdmin == answered {
			return false
		}
		question.IsAnsweredByAdmin = answered
		return true
	})
}
