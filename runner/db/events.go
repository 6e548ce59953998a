package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"tangled.sh/cosmos/pipeline/runner/models"
	"tangled.sh/cosmos/pipeline/runner/notifier"
	"tangled.sh/cosmos/pipeline/workflow"
)

const RunStatusNSID = "pipeline.run.status"

var ErrRunNotFound = errors.New("run not found")

type Event struct {
	Rkey      string `json:"rkey"`
	Nsid      string `json:"nsid"`
	RunId     string `json:"run_id"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// RunStatus is the payload of a status event.
type RunStatus struct {
	Run       string  `json:"run"`
	Workflow  string  `json:"workflow"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
	ExitCode  *int64  `json:"exit_code,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type Run struct {
	Id       string           `json:"id"`
	Workflow string           `json:"workflow"`
	Trigger  workflow.Trigger `json:"trigger"`
	Created  string           `json:"created"`
	Status   RunStatus        `json:"status"`
}

func (d *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (rkey, nsid, run_id, event, created) values (?, ?, ?, ?, ?)`,
		event.Rkey,
		event.Nsid,
		event.RunId,
		event.EventJson,
		event.Created,
	)
	if err != nil {
		return err
	}

	n.NotifyAll()

	return nil
}

// GetEvents returns up to 100 events created after cursor (unix nanos).
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select rkey, nsid, run_id, event, created
		from events
		%s
		order by created asc, rowid asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Rkey, &ev.Nsid, &ev.RunId, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createStatusEvent(
	rid models.RunId,
	statusKind models.StatusKind,
	workflowError *string,
	exitCode *int64,
	n *notifier.Notifier,
) error {
	now := time.Now()
	s := RunStatus{
		Run:       rid.Id.String(),
		Workflow:  rid.Workflow,
		Status:    string(statusKind),
		Error:     workflowError,
		ExitCode:  exitCode,
		CreatedAt: now.Format(time.RFC3339Nano),
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		Rkey:      uuid.NewString(),
		Nsid:      RunStatusNSID,
		RunId:     rid.Id.String(),
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}

// GetStatus returns the latest status of a run.
func (d *DB) GetStatus(rid models.RunId) (*RunStatus, error) {
	var eventJson string
	err := d.QueryRow(`
		select event from events
		where run_id = ?
		order by created desc, rowid desc
		limit 1
	`, rid.Id.String()).Scan(&eventJson)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	var status RunStatus
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

func (d *DB) StatusPending(rid models.RunId, tr workflow.Trigger, n *notifier.Notifier) error {
	trigger, err := json.Marshal(tr)
	if err != nil {
		return err
	}

	_, err = d.Exec(
		`insert into runs (id, workflow, trigger) values (?, ?, ?)`,
		rid.Id.String(), rid.Workflow, string(trigger),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	return d.createStatusEvent(rid, models.StatusKindPending, nil, nil, n)
}

func (d *DB) StatusRunning(rid models.RunId, n *notifier.Notifier) error {
	return d.createStatusEvent(rid, models.StatusKindRunning, nil, nil, n)
}

func (d *DB) StatusFailed(rid models.RunId, workflowError string, exitCode int64, n *notifier.Notifier) error {
	return d.createStatusEvent(rid, models.StatusKindFailed, &workflowError, &exitCode, n)
}

func (d *DB) StatusTimeout(rid models.RunId, workflowError string, n *notifier.Notifier) error {
	return d.createStatusEvent(rid, models.StatusKindTimeout, &workflowError, nil, n)
}

func (d *DB) StatusCancelled(rid models.RunId, workflowError string, n *notifier.Notifier) error {
	return d.createStatusEvent(rid, models.StatusKindCancelled, &workflowError, nil, n)
}

func (d *DB) StatusSuccess(rid models.RunId, n *notifier.Notifier) error {
	return d.createStatusEvent(rid, models.StatusKindSuccess, nil, nil, n)
}

// GetRun returns a run with its latest status.
func (d *DB) GetRun(rid models.RunId) (*Run, error) {
	var r Run
	var trigger string
	err := d.QueryRow(
		`select id, workflow, trigger, created from runs where id = ?`,
		rid.Id.String(),
	).Scan(&r.Id, &r.Workflow, &trigger, &r.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger: %w", err)
	}

	status, err := d.GetStatus(rid)
	if err != nil {
		return nil, err
	}
	r.Status = *status

	return &r, nil
}
