package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orca/pkg/models"
)

func createTestSession(t *testing.T, db *DB, id string, startedAt time.Time) *Session {
	t.Helper()
	s := &Session{ID: id, Objective: "Fix the flaky test", ControllerID: "orca-" + id, PID: 4242, StartedAt: startedAt}
	require.NoError(t, db.CreateSession(context.Background(), s))
	return s
}

func TestCreateSession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	createTestSession(t, db, "s1", started)

	got, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fix the flaky test", got.Objective)
	assert.Equal(t, "orca-s1", got.ControllerID)
	assert.Equal(t, SessionActive, got.Status)
	assert.Equal(t, 4242, got.PID)
	assert.True(t, started.Equal(got.StartedAt))
	assert.Nil(t, got.EndedAt)
}

func TestCreateSession_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	createTestSession(t, db, "s1", time.Now())

	err := db.CreateSession(context.Background(), &Session{ID: "s1", Objective: "again", ControllerID: "orca-x"})
	assert.Error(t, err)
}

func TestGetSession_NotFound(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFinishSession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	createTestSession(t, db, "s1", started)

	ended := started.Add(45 * time.Second)
	err := db.FinishSession(ctx, "s1", Outcome{
		Status:       SessionCompleted,
		Message:      "All done.",
		Turns:        7,
		InputTokens:  1200,
		OutputTokens: 300,
		EndedAt:      ended,
	})
	require.NoError(t, err)

	got, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
	assert.Equal(t, "All done.", got.Message)
	assert.Equal(t, 7, got.Turns)
	assert.EqualValues(t, 1200, got.InputTokens)
	assert.EqualValues(t, 300, got.OutputTokens)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, 45*time.Second, got.Duration())
	assert.True(t, got.Status.IsTerminal())
}

func TestFinishSession_NotFound(t *testing.T) {
	db := setupTestDB(t)
	err := db.FinishSession(context.Background(), "missing", Outcome{Status: SessionStopped})
	assert.ErrorContains(t, err, "missing not found")
}

func TestListSessions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	createTestSession(t, db, "old", base)
	createTestSession(t, db, "mid", base.Add(time.Minute))
	createTestSession(t, db, "new", base.Add(2*time.Minute))
	require.NoError(t, db.FinishSession(ctx, "mid", Outcome{Status: SessionStopped}))

	all, err := db.ListSessions(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := db.ListSessions(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	active := SessionActive
	onlyActive, err := db.ListSessions(ctx, &active, 0)
	require.NoError(t, err)
	assert.Len(t, onlyActive, 2)

	latest, err := db.LatestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)
}

func TestLatestSession_Empty(t *testing.T) {
	db := setupTestDB(t)
	latest, err := db.LatestSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestUpsertTask_ListTasks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestSession(t, db, "s1", time.Now())
	created := time.Now().Add(-time.Minute)

	root := models.Task{
		ID: "task_001", OwnerID: "orca-s1", AgentType: models.AgentTypeExplorer, Status: models.TaskStatusCreated,
		Title: "Map the repo", Description: "List packages.", ContextRefs: []string{"layout"},
		Bootstrap: []models.BootstrapItem{{Path: "cmd/", Reason: "entry points"}}, CreatedAt: created,
	}
	child := models.Task{
		ID: "task_002", ParentID: "task_001", Depth: 1, OwnerID: "explorer-1", AgentType: models.AgentTypeCoder,
		Status: models.TaskStatusCreated, Title: "Fix import", MaxTurns: 5, CreatedAt: created.Add(time.Second),
	}
	require.NoError(t, db.UpsertTask(ctx, "s1", root))
	require.NoError(t, db.UpsertTask(ctx, "s1", child))

	done := created.Add(time.Minute)
	root.Status = models.TaskStatusCompleted
	root.CompletedAt = &done
	root.Result = &models.SubagentResult{TaskID: "task_001", Status: models.TaskStatusCompleted, Comments: "mapped", NumTurns: 3}
	require.NoError(t, db.UpsertTask(ctx, "s1", root))

	tasks, err := db.ListTasks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	got := tasks[0]
	assert.Equal(t, "task_001", got.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, []string{"layout"}, got.ContextRefs)
	assert.Equal(t, []models.BootstrapItem{{Path: "cmd/", Reason: "entry points"}}, got.Bootstrap)
	assert.Equal(t, []string{"task_002"}, got.ChildIDs)
	require.NotNil(t, got.Result)
	assert.Equal(t, "mapped", got.Result.Comments)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	assert.Equal(t, "task_001", tasks[1].ParentID)
	assert.Equal(t, 1, tasks[1].Depth)
	assert.Equal(t, 5, tasks[1].MaxTurns)
	assert.Nil(t, tasks[1].Result)
	assert.Empty(t, tasks[1].ContextRefs)

	other, err := db.ListTasks(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestUpsertContext_ListContexts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestSession(t, db, "s1", time.Now())
	now := time.Now()

	require.NoError(t, db.UpsertContext(ctx, "s1", models.ContextEntry{ID: "b_ctx", Content: "second", Seq: 2, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, db.UpsertContext(ctx, "s1", models.ContextEntry{ID: "a_ctx", Content: "first", Seq: 1, ReportedBy: "task_001", TaskID: "task_001", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, db.UpsertContext(ctx, "s1", models.ContextEntry{ID: "b_ctx", Content: "second, revised", Seq: 2, CreatedAt: now, UpdatedAt: now.Add(time.Second)}))

	entries, err := db.ListContexts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a_ctx", entries[0].ID)
	assert.Equal(t, "task_001", entries[0].ReportedBy)
	assert.Equal(t, "second, revised", entries[1].Content)
	assert.True(t, entries[1].UpdatedAt.After(entries[1].CreatedAt))
}

func TestInsertTurn_ListTurns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestSession(t, db, "s1", time.Now())

	rows := []TurnRow{
		{SessionID: "s1", AgentID: "orca-s1", Role: models.RoleController, Turn: 1, Output: "<task_create>", Actions: []string{"task_create"}},
		{SessionID: "s1", AgentID: "explorer-1", TaskID: "task_001", Role: models.RoleSubagent, Turn: 1, Output: "<bash>", Responses: []string{"ok"}},
		{SessionID: "s1", AgentID: "orca-s1", Role: models.RoleController, Turn: 2, Output: "<finish>"},
	}
	for _, r := range rows {
		require.NoError(t, db.InsertTurn(ctx, r))
	}

	all, err := db.ListTurns(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"task_create"}, all[0].Actions)
	assert.Equal(t, []string{}, all[0].Responses)
	assert.Equal(t, "task_001", all[1].TaskID)
	assert.Less(t, all[0].Seq, all[1].Seq)

	ctrl, err := db.ListTurns(ctx, "s1", "orca-s1")
	require.NoError(t, err)
	assert.Len(t, ctrl, 2)

	counts, err := db.CountTurns(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[models.Role]int{models.RoleController: 2, models.RoleSubagent: 1}, counts)
}

func TestInsertTurn_UnknownSession(t *testing.T) {
	db := setupTestDB(t)
	err := db.InsertTurn(context.Background(), TurnRow{SessionID: "nope", AgentID: "a", Role: models.RoleSubagent, Turn: 1})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestDeleteSession_Cascades(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestSession(t, db, "s1", time.Now())
	require.NoError(t, db.UpsertTask(ctx, "s1", models.Task{ID: "task_001", OwnerID: "o", AgentType: models.AgentTypeCoder, Status: models.TaskStatusCreated, Title: "t", CreatedAt: time.Now()}))
	require.NoError(t, db.InsertTurn(ctx, TurnRow{SessionID: "s1", AgentID: "o", Role: models.RoleController, Turn: 1}))

	require.NoError(t, db.DeleteSession(ctx, "s1"))

	tasks, err := db.ListTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	turns, err := db.ListTurns(ctx, "s1", "")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestPurgeOldSessions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestSession(t, db, "ancient", time.Now().Add(-48*time.Hour))
	createTestSession(t, db, "recent", time.Now().Add(-time.Hour))

	n, err := db.PurgeOldSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	gone, err := db.GetSession(ctx, "ancient")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := db.GetSession(ctx, "recent")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestPurgeOldSessions_EmptyDB(t *testing.T) {
	db := setupTestDB(t)
	n, err := db.PurgeOldSessions(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}
