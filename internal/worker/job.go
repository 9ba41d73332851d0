package worker

import (
	"context"
	"errors"

	"agentchat/internal/models"
	"agentchat/internal/service/chat"
)

type JobType string

const (
	Start   JobType = "start"
	Message JobType = "message"
	Stop    JobType = "stop"
)

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy, retry later")
	ErrManagerClosed  = errors.New("worker manager closed")
	// ErrJobCancelled answers jobs dropped from the queue before a worker ran them.
	ErrJobCancelled = errors.New("chat turn cancelled")
)

type startResult struct {
	session *models.Session
	err     error
}

type startTask struct {
	ctx      context.Context
	userID   int64
	profile  string
	resultCh chan startResult
}

type messageTask struct {
	ctx      context.Context
	turn     chat.Turn
	resultCh chan chat.Outcome
}

// Job is one unit of work handed to a pool worker.
type Job struct {
	Type    JobType
	UserID  int64
	start   *startTask
	message *messageTask
}

// reject answers the job's waiter without running it. Result channels are buffered,
// so this never blocks.
func (j Job) reject(err error) {
	switch {
	case j.start != nil:
		j.start.resultCh <- startResult{err: err}
	case j.message != nil:
		j.message.resultCh <- chat.Outcome{Err: err, Text: chat.ErrorText(err)}
	}
}
