package storage

// Scheduler job kinds. Each is enqueued once per session (unique on
// session_id + kind) at a fixed offset from the session's schedule.
const (
	JobCreateMeeting = "create_meeting" // right after payment confirmation
	JobSendJoinLink  = "send_join_link" // start - 15m
	JobAutoTerminate = "auto_terminate" // end + 2m
	JobNoShowCheck   = "no_show_check"  // end + 15m
	JobReleaseHold   = "release_hold"   // completion + 72h
	JobReviewRequest = "review_request" // completion + 24h
)
