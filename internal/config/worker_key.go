package config

type WorkerKeyStruct struct {
	PersistAttemptEventsQueue string
	PersistSnapshotsQueue     string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAttemptEventsQueue: "persist_attempt_events_queue",
	PersistSnapshotsQueue:     "persist_snapshots_queue",
}
