package gateway

import "encoding/json"

const (
	EventJoinPlayerRoom  = "join-player-room"
	EventLeavePlayerRoom = "leave-player-room"
	EventJoined          = "joined"
	EventLeft            = "left"
	EventRequestMint     = "request-mint"
	EventMintNow         = "mint-now"
	EventMintCompleted   = "mint-completed"
	EventMintError       = "mint-error"
	EventTxCreateGame    = "transaction:create_game"
	EventTxMakeMove      = "transaction:make_move"
	EventTxEndGame       = "transaction:end_game"
	EventTxResult        = "transaction:result"
	EventGameObjectID    = "game:object_id"
	EventError           = "error"
)

const (
	TxStatusReady              = "ready"
	TxStatusWaitingForObjectID = "waiting_for_object_id"

	TxResultSuccess = "success"
	TxResultFailure = "failure"
)

type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type RoomPayload struct {
	PlayerAddress string `json:"playerAddress"`
}

type RequestMintPayload struct {
	RewardType    string `json:"rewardType"`
	PlayerID      string `json:"playerId"`
	PlayerAddress string `json:"playerAddress"`
}

type MintNowPayload struct {
	TaskID        string `json:"taskId"`
	RewardType    string `json:"rewardType"`
	PlayerID      string `json:"playerId"`
	PlayerAddress string `json:"playerAddress"`
}

type MintCompletedPayload struct {
	TaskID       string `json:"taskId"`
	ObjectID     string `json:"objectId"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type MintErrorPayload struct {
	Error      string `json:"error"`
	RewardType string `json:"rewardType"`
}

// TransactionRequest asks the player's client to sign and submit a ledger transaction.
type TransactionRequest[T any] struct {
	TransactionID string `json:"transactionId"`
	PlayerAddress string `json:"playerAddress"`
	Data          T      `json:"data"`
}

type CreateGameData struct {
	GameID       string `json:"gameId"`
	WhiteAddress string `json:"whiteAddress"`
	BlackAddress string `json:"blackAddress"`
	VsComputer   bool   `json:"vsComputer"`
	Position     string `json:"position"`
}

type MoveData struct {
	GameID            string  `json:"gameId"`
	GameObjectID      *string `json:"gameObjectId"`
	Ply               int     `json:"ply"`
	MoveSAN           string  `json:"moveSan"`
	ResultingPosition string  `json:"resultingPosition"`
	MoveContentHash   string  `json:"moveContentHash"`
	IsComputerMove    bool    `json:"isComputerMove"`
	Status            string  `json:"status"`
}

type EndGameData struct {
	GameID        string  `json:"gameId"`
	GameObjectID  *string `json:"gameObjectId"`
	Result        string  `json:"result"`
	WinnerAddress string  `json:"winnerAddress,omitempty"`
	FinalPosition string  `json:"finalPosition"`
	Ply           int     `json:"ply"`
	Status        string  `json:"status"`
}

type TransactionResultPayload struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	ObjectID      string `json:"objectId,omitempty"`
	Digest        string `json:"digest,omitempty"`
}

type GameObjectIDPayload struct {
	GameID   string `json:"gameId"`
	ObjectID string `json:"objectId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
