package main

// Status names broadcast to clients. Each status carries a payload shape
// the client renders directly; reconnecting clients are handed the exact
// last payload that was pushed to them, so these are also what gets
// persisted inside snapshots.
type Status string

const (
	StatusWait            Status = "WAIT"
	StatusShowStart       Status = "SHOW_START"
	StatusShowPrepared    Status = "SHOW_PREPARED"
	StatusShowQuestion    Status = "SHOW_QUESTION"
	StatusSelectAnswer    Status = "SELECT_ANSWER"
	StatusShowResult      Status = "SHOW_RESULT"
	StatusShowResponses   Status = "SHOW_RESPONSES"
	StatusShowLeaderboard Status = "SHOW_LEADERBOARD"
	StatusFinished        Status = "FINISHED"
)

// StatusUpdate is the {name, data} pair sent on "game:status". Data is
// kept loosely typed so updates restored from a snapshot can be re-sent
// verbatim without re-decoding into the concrete payload type.
type StatusUpdate struct {
	Name Status `json:"name"`
	Data any    `json:"data"`
}

type WaitData struct {
	Text string `json:"text"`
}

type ShowStartData struct {
	Time    int    `json:"time"`
	Subject string `json:"subject"`
}

type ShowPreparedData struct {
	TotalAnswers   int `json:"totalAnswers"`
	QuestionNumber int `json:"questionNumber"`
}

type ShowQuestionData struct {
	Question     string         `json:"question"`
	Image        string         `json:"image,omitempty"`
	Media        *QuestionMedia `json:"media,omitempty"`
	Cooldown     int            `json:"cooldown"`
	ShowQuestion bool           `json:"showQuestion"`
}

type SelectAnswerData struct {
	Question    string         `json:"question"`
	Answers     []string       `json:"answers"`
	Image       string         `json:"image,omitempty"`
	Media       *QuestionMedia `json:"media,omitempty"`
	Time        int            `json:"time"`
	TotalPlayer int            `json:"totalPlayer"`
}

type ShowResultData struct {
	Correct   bool   `json:"correct"`
	Message   string `json:"message"`
	Points    int    `json:"points"`
	MyPoints  int    `json:"myPoints"`
	Rank      int    `json:"rank"`
	AheadOfMe string `json:"aheadOfMe,omitempty"`
}

type ShowResponsesData struct {
	Question  string         `json:"question"`
	Responses map[int]int    `json:"responses"`
	Correct   int            `json:"correct"`
	Answers   []string       `json:"answers"`
	Image     string         `json:"image,omitempty"`
	Media     *QuestionMedia `json:"media,omitempty"`
}

type ShowLeaderboardData struct {
	OldLeaderboard []Player `json:"oldLeaderboard"`
	Leaderboard    []Player `json:"leaderboard"`
}

type FinishedData struct {
	Subject string   `json:"subject"`
	Top     []Player `json:"top"`
}

// QuestionPosition is broadcast on "game:updateQuestion" and included in
// reconnect resync payloads.
type QuestionPosition struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// MediaPlayData schedules synchronized playback a small fixed offset in
// the future. Best-effort clock sync, not exact.
type MediaPlayData struct {
	StartAt int64 `json:"startAt"` // unix milliseconds
	Nonce   int   `json:"nonce"`
}

// GameCreatedData answers a successful "game:create".
type GameCreatedData struct {
	GameID     string `json:"gameId"`
	InviteCode string `json:"inviteCode"`
}

// ReconnectData is the full resync payload handed to a manager or player
// rejoining an existing session.
type ReconnectData struct {
	GameID          string           `json:"gameId"`
	CurrentQuestion QuestionPosition `json:"currentQuestion"`
	Status          StatusUpdate     `json:"status"`
	Players         []Player         `json:"players,omitempty"` // manager only
	Player          *PlayerSelf      `json:"player,omitempty"`  // player only
}

type PlayerSelf struct {
	Username string `json:"username"`
	Points   int    `json:"points"`
}

// ViewerJoinedData confirms a viewer subscription with the current shared
// screen state.
type ViewerJoinedData struct {
	GameID string       `json:"gameId"`
	Status StatusUpdate `json:"status"`
}

// clientMessage is the inbound wire envelope. Every action carries a type
// plus whichever optional fields that action needs; unknown types are
// ignored by the dispatcher.
type clientMessage struct {
	Type       string `json:"type"`
	GameID     string `json:"gameId,omitempty"`
	QuizID     string `json:"quizId,omitempty"`
	Password   string `json:"password,omitempty"`
	Username   string `json:"username,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
	PlayerID   string `json:"playerId,omitempty"`
	Answer     *int   `json:"answer,omitempty"`
	Active     *bool  `json:"active,omitempty"`
	Show       *bool  `json:"show,omitempty"`
	ID         string `json:"id,omitempty"`
	Quiz       *Quiz  `json:"quiz,omitempty"`
}

// serverMessage is the outbound wire envelope.
type serverMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}
