package timewheel

// slot holds the tasks that land on one wheel position, keyed by task ID.
type slot struct {
	tasks map[string]*Task
}

func newSlot() *slot {
	return &slot{tasks: make(map[string]*Task)}
}

func (s *slot) add(task *Task) {
	s.tasks[task.ID] = task
}

func (s *slot) remove(id string) bool {
	if _, ok := s.tasks[id]; ok {
		delete(s.tasks, id)
		return true
	}
	return false
}

// collect removes and returns the tasks whose rounds have run out and counts
// the others down by one revolution.
func (s *slot) collect() []*Task {
	if len(s.tasks) == 0 {
		return nil
	}

	var due []*Task
	for id, task := range s.tasks {
		if task.rounds > 0 {
			task.rounds--
			continue
		}
		due = append(due, task)
		delete(s.tasks, id)
	}
	return due
}
