package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/lock"
)

// MemorySeed is the YAML document used to populate a MemoryEnrollmentStore.
type MemorySeed struct {
	Courses   []SeedCourse     `yaml:"courses"`
	Completed []SeedCompletion `yaml:"completed"`
}

// SeedCourse is a course plus the ids of the courses it requires.
type SeedCourse struct {
	models.Course `yaml:",inline"`
	Prerequisites []string `yaml:"prerequisites"`
}

// SeedCompletion lists the courses a requester has already passed.
type SeedCompletion struct {
	RequesterID string   `yaml:"requester_id"`
	CourseIDs   []string `yaml:"course_ids"`
}

// LoadMemorySeed parses a seed file.
func LoadMemorySeed(path string) (*MemorySeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed MemorySeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// MemoryEnrollmentStore is the in-process backend for ENROLLMENT_STORAGE=memory.
// LockCourse holds a per-course row lock until the transaction ends, so
// transactions on different courses run side by side. Writes are visible to
// readers before commit and are undone from a journal on failure.
type MemoryEnrollmentStore struct {
	rows *lock.KeyedMutex

	mu          sync.RWMutex
	courses     map[string]*models.Course
	enrollments map[string]*models.Enrollment
	waitlists   map[string][]models.WaitlistEntry

	prereqMu      sync.RWMutex
	prerequisites map[string][]string
	completed     map[string]map[string]struct{}

	faultMu sync.RWMutex
	fault   func(op string) error
}

// NewMemoryEnrollmentStore returns an empty store.
func NewMemoryEnrollmentStore() *MemoryEnrollmentStore {
	return &MemoryEnrollmentStore{
		rows:          lock.NewKeyedMutex(),
		courses:       make(map[string]*models.Course),
		enrollments:   make(map[string]*models.Enrollment),
		waitlists:     make(map[string][]models.WaitlistEntry),
		prerequisites: make(map[string][]string),
		completed:     make(map[string]map[string]struct{}),
	}
}

// Seed loads courses and completions. Courses must start empty.
func (s *MemoryEnrollmentStore) Seed(seed *MemorySeed) error {
	if seed == nil {
		return nil
	}
	for _, c := range seed.Courses {
		course := c.Course
		if err := s.PutCourse(&course); err != nil {
			return err
		}
		if len(c.Prerequisites) > 0 {
			s.SetPrerequisites(course.ID, c.Prerequisites...)
		}
	}
	for _, done := range seed.Completed {
		s.MarkCompleted(done.RequesterID, done.CourseIDs...)
	}
	return nil
}

// PutCourse inserts or replaces a course definition.
func (s *MemoryEnrollmentStore) PutCourse(course *models.Course) error {
	if course.ID == "" {
		return fmt.Errorf("seed course %q: id is required", course.Code)
	}
	if course.Capacity <= 0 {
		return fmt.Errorf("seed course %s: capacity must be positive", course.ID)
	}
	for _, slot := range course.Slots {
		if !slot.Valid() {
			return fmt.Errorf("seed course %s: invalid slot %s", course.ID, slot)
		}
	}
	now := time.Now().UTC()
	stored := cloneCourse(course)
	stored.ConfirmedCount = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	for i := range stored.Slots {
		stored.Slots[i].CourseID = stored.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[stored.ID] = stored
	return nil
}

// SetPrerequisites records the courses that must be completed before courseID.
func (s *MemoryEnrollmentStore) SetPrerequisites(courseID string, required ...string) {
	s.prereqMu.Lock()
	defer s.prereqMu.Unlock()
	s.prerequisites[courseID] = append([]string(nil), required...)
}

// MarkCompleted records passed courses for a requester.
func (s *MemoryEnrollmentStore) MarkCompleted(requesterID string, courseIDs ...string) {
	s.prereqMu.Lock()
	defer s.prereqMu.Unlock()
	set, ok := s.completed[requesterID]
	if !ok {
		set = make(map[string]struct{})
		s.completed[requesterID] = set
	}
	for _, id := range courseIDs {
		set[id] = struct{}{}
	}
}

// SetFault installs a hook consulted before every transactional write. A
// non-nil error from the hook is returned as the write's error.
func (s *MemoryEnrollmentStore) SetFault(fn func(op string) error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fault = fn
}

func (s *MemoryEnrollmentStore) injected(op string) error {
	s.faultMu.RLock()
	fn := s.fault
	s.faultMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op)
}

// WithinTx runs fn as one transaction. Course row locks taken by fn are
// released when it returns.
func (s *MemoryEnrollmentStore) WithinTx(ctx context.Context, fn func(AdmissionTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryAdmissionTx{store: s, marks: make(map[string]int), held: make(map[string]lock.Release)}
	defer tx.releaseRows()

	if err := fn(tx); err != nil {
		tx.undoTo(0)
		return err
	}
	return nil
}

// FindCourse returns a course with its meeting slots.
func (s *MemoryEnrollmentStore) FindCourse(ctx context.Context, id string) (*models.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	course, ok := s.courses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneCourse(course), nil
}

// FindByID returns a single enrollment.
func (s *MemoryEnrollmentStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enrollment, ok := s.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := *enrollment
	return &out, nil
}

// CountWithdrawn returns how many times requesterID has withdrawn from courseID.
func (s *MemoryEnrollmentStore) CountWithdrawn(ctx context.Context, requesterID, courseID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.enrollments {
		if e.RequesterID == requesterID && e.CourseID == courseID && e.Status == models.EnrollmentStatusWithdrawn {
			count++
		}
	}
	return count, nil
}

// ListByRequester mirrors EnrollmentRepository.ListByRequester.
func (s *MemoryEnrollmentStore) ListByRequester(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.EnrollmentDetail
	for _, e := range s.enrollments {
		if e.RequesterID != filter.RequesterID {
			continue
		}
		if filter.TermID != "" && e.TermID != filter.TermID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		detail := models.EnrollmentDetail{Enrollment: *e}
		if course, ok := s.courses[e.CourseID]; ok {
			detail.CourseCode = course.Code
			detail.CourseName = course.Name
		}
		if idx := s.waitlistIndex(e.CourseID, e.ID); idx >= 0 {
			pos := s.waitlists[e.CourseID][idx].Position
			detail.Position = &pos
		}
		matched = append(matched, detail)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].Sequence > matched[j].Sequence
	})

	total := len(matched)
	page, size := normalizePage(filter.Page, filter.PageSize)
	start := (page - 1) * size
	if start >= total {
		return []models.EnrollmentDetail{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ListWaitlist returns the course waitlist ordered by position.
func (s *MemoryEnrollmentStore) ListWaitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.WaitlistEntry{}, s.waitlists[courseID]...), nil
}

// MissingPrerequisites returns the prerequisite course ids requesterID has not completed.
func (s *MemoryEnrollmentStore) MissingPrerequisites(ctx context.Context, requesterID, courseID string) ([]string, error) {
	s.prereqMu.RLock()
	defer s.prereqMu.RUnlock()
	var missing []string
	done := s.completed[requesterID]
	for _, required := range s.prerequisites[courseID] {
		if _, ok := done[required]; !ok {
			missing = append(missing, required)
		}
	}
	return missing, nil
}

// Ping always succeeds.
func (s *MemoryEnrollmentStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryEnrollmentStore) waitlistIndex(courseID, enrollmentID string) int {
	for i, entry := range s.waitlists[courseID] {
		if entry.EnrollmentID == enrollmentID {
			return i
		}
	}
	return -1
}

func cloneCourse(c *models.Course) *models.Course {
	out := *c
	out.Slots = append([]models.MeetingSlot(nil), c.Slots...)
	return &out
}

// memoryAdmissionTx takes the store mutex per statement; journal entries run
// with it held.
type memoryAdmissionTx struct {
	store *MemoryEnrollmentStore
	undo  []func()
	marks map[string]int
	held  map[string]lock.Release
}

func (t *memoryAdmissionTx) undoTo(mark int) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
}

func (t *memoryAdmissionTx) releaseRows() {
	for _, release := range t.held {
		release()
	}
	t.held = nil
}

func (t *memoryAdmissionTx) LockCourse(ctx context.Context, courseID string) (*models.Course, error) {
	if err := t.store.injected("LockCourse"); err != nil {
		return nil, err
	}
	if _, ok := t.held[courseID]; !ok {
		release, err := t.store.rows.Acquire(ctx, "course:"+courseID)
		if err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				return nil, appErrors.WrapAs(err, appErrors.ErrLockTimeout, "course row "+courseID)
			}
			return nil, err
		}
		t.held[courseID] = release
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	course, ok := t.store.courses[courseID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneCourse(course), nil
}

func (t *memoryAdmissionTx) FindActiveEnrollment(ctx context.Context, requesterID, courseID string) (*models.Enrollment, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.findActive(requesterID, courseID), nil
}

func (t *memoryAdmissionTx) findActive(requesterID, courseID string) *models.Enrollment {
	for _, e := range t.store.enrollments {
		if e.RequesterID == requesterID && e.CourseID == courseID && e.Status.Active() {
			out := *e
			return &out
		}
	}
	return nil
}

func (t *memoryAdmissionTx) ListRequesterSlots(ctx context.Context, requesterID, termID, excludeCourseID string) ([]models.MeetingSlot, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var slots []models.MeetingSlot
	for _, e := range t.store.enrollments {
		if e.RequesterID != requesterID || e.TermID != termID || e.CourseID == excludeCourseID || !e.Status.Active() {
			continue
		}
		if course, ok := t.store.courses[e.CourseID]; ok {
			slots = append(slots, course.Slots...)
		}
	}
	return slots, nil
}

func (t *memoryAdmissionTx) FindEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	e, ok := t.store.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := *e
	return &out, nil
}

func (t *memoryAdmissionTx) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if err := t.store.injected("CreateEnrollment"); err != nil {
		return err
	}
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if enrollment.Status.Active() {
		if existing := t.findActive(enrollment.RequesterID, enrollment.CourseID); existing != nil {
			return appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
		}
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = enrollment.CreatedAt
	stored := *enrollment
	stored.Position = 0
	t.store.enrollments[stored.ID] = &stored
	id := stored.ID
	t.undo = append(t.undo, func() { delete(t.store.enrollments, id) })
	return nil
}

func (t *memoryAdmissionTx) UpdateEnrollmentStatus(ctx context.Context, id string, status models.EnrollmentStatus, at time.Time) error {
	if err := t.store.injected("UpdateEnrollmentStatus"); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.enrollments[id]
	if !ok {
		return sql.ErrNoRows
	}
	previous := *e
	e.Status = status
	e.UpdatedAt = at
	if status == models.EnrollmentStatusWithdrawn {
		withdrawnAt := at
		e.WithdrawnAt = &withdrawnAt
	}
	t.undo = append(t.undo, func() { *e = previous })
	return nil
}

func (t *memoryAdmissionTx) SetConfirmedCount(ctx context.Context, courseID string, count int) error {
	if err := t.store.injected("SetConfirmedCount"); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	course, ok := t.store.courses[courseID]
	if !ok {
		return sql.ErrNoRows
	}
	if count < 0 || count > course.Capacity {
		return fmt.Errorf("confirmed count %d outside [0, %d] for course %s", count, course.Capacity, courseID)
	}
	previous := course.ConfirmedCount
	course.ConfirmedCount = count
	t.undo = append(t.undo, func() { course.ConfirmedCount = previous })
	return nil
}

func (t *memoryAdmissionTx) SetCapacity(ctx context.Context, courseID string, capacity int) error {
	if err := t.store.injected("SetCapacity"); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	course, ok := t.store.courses[courseID]
	if !ok {
		return sql.ErrNoRows
	}
	previous := course.Capacity
	course.Capacity = capacity
	t.undo = append(t.undo, func() { course.Capacity = previous })
	return nil
}

func (t *memoryAdmissionTx) MaxWaitlistPosition(ctx context.Context, courseID string) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	entries := t.store.waitlists[courseID]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Position, nil
}

func (t *memoryAdmissionTx) InsertWaitlistEntry(ctx context.Context, entry *models.WaitlistEntry) error {
	if err := t.store.injected("InsertWaitlistEntry"); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	entries := t.store.waitlists[entry.CourseID]
	if entry.Position != len(entries)+1 {
		return fmt.Errorf("waitlist position %d breaks sequence for course %s", entry.Position, entry.CourseID)
	}
	previous := entries
	t.store.waitlists[entry.CourseID] = append(append([]models.WaitlistEntry{}, entries...), *entry)
	courseID := entry.CourseID
	t.undo = append(t.undo, func() { t.store.waitlists[courseID] = previous })
	return nil
}

func (t *memoryAdmissionTx) HeadWaitlistEntry(ctx context.Context, courseID string) (*models.WaitlistEntry, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	entries := t.store.waitlists[courseID]
	if len(entries) == 0 {
		return nil, nil
	}
	head := entries[0]
	return &head, nil
}

func (t *memoryAdmissionTx) RemoveWaitlistEntry(ctx context.Context, courseID, enrollmentID string) error {
	if err := t.store.injected("RemoveWaitlistEntry"); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	idx := t.store.waitlistIndex(courseID, enrollmentID)
	if idx < 0 {
		return nil
	}
	previous := t.store.waitlists[courseID]
	next := make([]models.WaitlistEntry, 0, len(previous)-1)
	next = append(next, previous[:idx]...)
	for _, entry := range previous[idx+1:] {
		entry.Position--
		next = append(next, entry)
	}
	t.store.waitlists[courseID] = next
	t.undo = append(t.undo, func() { t.store.waitlists[courseID] = previous })
	return nil
}

func (t *memoryAdmissionTx) Savepoint(ctx context.Context, name string) error {
	t.marks[name] = len(t.undo)
	return nil
}

func (t *memoryAdmissionTx) RollbackToSavepoint(ctx context.Context, name string) error {
	mark, ok := t.marks[name]
	if !ok {
		return fmt.Errorf("savepoint %q does not exist", name)
	}
	t.undoTo(mark)
	return nil
}

func (t *memoryAdmissionTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if _, ok := t.marks[name]; !ok {
		return fmt.Errorf("savepoint %q does not exist", name)
	}
	delete(t.marks, name)
	return nil
}
