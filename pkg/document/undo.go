package document

import "sync"

// UndoManager turns local commits into undo steps. Each commit is one step;
// undoing it runs the recorded inverse mutations in a new transaction whose
// own inverses become the redo step.
type UndoManager struct {
	doc *Document

	mu      sync.Mutex
	undo    [][]inverseFn
	redo    [][]inverseFn
	origins map[any]bool
	replay  bool
	stop    func()
}

// NewUndoManager tracks local commits of doc. With no origins every local
// commit is tracked; otherwise only commits made with one of them.
func NewUndoManager(doc *Document, origins ...any) *UndoManager {
	u := &UndoManager{doc: doc}
	if len(origins) > 0 {
		u.origins = make(map[any]bool, len(origins))
		for _, o := range origins {
			u.origins[o] = true
		}
	}
	u.stop = doc.Subscribe(u.observe)
	return u
}

func (u *UndoManager) observe(ev Event) {
	if !ev.Local || len(ev.inverse) == 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if ev.Origin == u {
		if u.replay {
			u.redo = append(u.redo, ev.inverse)
		} else {
			u.undo = append(u.undo, ev.inverse)
		}
		return
	}
	if u.origins != nil && !u.origins[ev.Origin] {
		return
	}
	u.undo = append(u.undo, ev.inverse)
	u.redo = nil
}

// Undo reverts the most recent tracked commit. It reports false when there
// was nothing to undo.
func (u *UndoManager) Undo() (bool, error) {
	return u.step(&u.undo, true)
}

// Redo re-applies the most recently undone commit.
func (u *UndoManager) Redo() (bool, error) {
	return u.step(&u.redo, false)
}

func (u *UndoManager) step(stack *[][]inverseFn, undoing bool) (bool, error) {
	u.mu.Lock()
	n := len(*stack)
	if n == 0 {
		u.mu.Unlock()
		return false, nil
	}
	fns := (*stack)[n-1]
	*stack = (*stack)[:n-1]
	u.mu.Unlock()

	// observe runs synchronously inside Commit, after the document lock is
	// released, so replay is read there under u.mu.
	u.setReplay(undoing)
	defer u.setReplay(false)

	_, err := u.doc.Transact(u, func(tx *Txn) error {
		return tx.replay(fns)
	})
	if err != nil {
		u.mu.Lock()
		*stack = append(*stack, fns)
		u.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (u *UndoManager) setReplay(v bool) {
	u.mu.Lock()
	u.replay = v
	u.mu.Unlock()
}

func (u *UndoManager) CanUndo() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.undo) > 0
}

func (u *UndoManager) CanRedo() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.redo) > 0
}

// Clear drops both stacks.
func (u *UndoManager) Clear() {
	u.mu.Lock()
	u.undo, u.redo = nil, nil
	u.mu.Unlock()
}

// Close stops tracking the document.
func (u *UndoManager) Close() {
	u.stop()
}

// replay runs inverse mutations newest first.
func (tx *Txn) replay(fns []inverseFn) error {
	if err := tx.lock(); err != nil {
		return err
	}
	defer tx.unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](tx); err != nil {
			return err
		}
	}
	return nil
}
