package dto

import (
	"github.com/cuongbtq/jobmarket/internal/domain"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

type SyncUploadRequest struct {
	Entries []syncqueue.EntryInput `json:"entries" binding:"required"`
}

type SyncUploadResponse struct {
	Inserted int `json:"inserted"`
}

type SyncEntriesResponse struct {
	Entries []domain.SyncQueueEntry `json:"entries"`
}

type ResolveSyncEntryRequest struct {
	Action syncqueue.Action `json:"action" binding:"required"`
}
