package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Registry хранит запущенные циклы рассылок. Для одной рассылки может
// существовать только одна задача.
type Registry struct {
	mu    sync.RWMutex
	tasks map[int64]*Task
}

// New создаёт пустой реестр.
func New() *Registry {
	return &Registry{tasks: make(map[int64]*Task)}
}

// Register добавляет задачу. Возвращает false, если задача уже есть.
func (r *Registry) Register(jobID int64, task *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[jobID]; exists {
		return false
	}
	r.tasks[jobID] = task
	return true
}

// Unregister удаляет задачу рассылки.
func (r *Registry) Unregister(jobID int64) {
	r.mu.Lock()
	delete(r.tasks, jobID)
	r.mu.Unlock()
}

// UnregisterTask удаляет задачу, только если зарегистрирована именно она.
func (r *Registry) UnregisterTask(jobID int64, task *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tasks[jobID]; ok && current == task {
		delete(r.tasks, jobID)
		return true
	}
	return false
}

// IsRunning сообщает, есть ли живая задача.
func (r *Registry) IsRunning(jobID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[jobID]
	return ok
}

// Get возвращает задачу рассылки.
func (r *Registry) Get(jobID int64) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[jobID]
	return task, ok
}

// Len возвращает число задач.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// IDs возвращает отсортированные идентификаторы рассылок.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot возвращает копию списка задач.
func (r *Registry) Snapshot() []*Task {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.RUnlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].JobID < tasks[j].JobID })
	return tasks
}

// CancelAll отменяет все задачи и ждёт их завершения.
func (r *Registry) CancelAll(ctx context.Context) error {
	tasks := r.Snapshot()
	for _, task := range tasks {
		task.Cancel()
	}
	var errs []error
	for _, task := range tasks {
		if err := task.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		r.UnregisterTask(task.JobID, task)
	}
	return errors.Join(errs...)
}
