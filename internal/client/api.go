package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gambit/internal/models"
	"gambit/internal/services"

	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
)

var ErrAPI = errors.New("api error")

type APIConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// API talks to the game server's REST surface.
type API struct {
	client  *httpclient.Client
	baseURL string
	token   string
}

func NewAPI(cfg APIConfig) *API {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	backoff := heimdall.NewConstantBackoff(200*time.Millisecond, 100*time.Millisecond)
	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(timeout),
		httpclient.WithRetryCount(cfg.RetryCount),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
	)

	return &API{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + "/api/v1",
		token:   cfg.Token,
	}
}

func (a *API) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	if a.token != "" {
		h.Set("Authorization", "Bearer "+a.token)
	}
	return h
}

func (a *API) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header = a.headers()

	res, err := a.client.Do(req)
	if err != nil {
		// heimdall hands back the last 5xx response together with the error
		if res != nil {
			res.Body.Close()
		}
		return err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s %s: %d %s", ErrAPI, method, path, res.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	return decodeBody(b, out)
}

// decodeBody accepts both a bare JSON body and one wrapped in a data envelope.
func decodeBody(b []byte, out interface{}) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		return json.Unmarshal(envelope.Data, out)
	}
	return json.Unmarshal(b, out)
}

func (a *API) Me(ctx context.Context) (*models.PlayerFromAuth, error) {
	var player models.PlayerFromAuth
	if err := a.do(ctx, http.MethodGet, "/me", nil, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

func (a *API) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	var game models.Game
	if err := a.do(ctx, http.MethodGet, "/games/"+url.PathEscape(gameID), nil, &game); err != nil {
		return nil, err
	}
	return &game, nil
}

func (a *API) GetMoves(ctx context.Context, gameID string) ([]models.GameMove, error) {
	var moves []models.GameMove
	if err := a.do(ctx, http.MethodGet, "/games/"+url.PathEscape(gameID)+"/moves", nil, &moves); err != nil {
		return nil, err
	}
	return moves, nil
}

func (a *API) CreateGame(ctx context.Context, params services.CreateGameParams) (*models.Game, error) {
	var game models.Game
	if err := a.do(ctx, http.MethodPost, "/games", params, &game); err != nil {
		return nil, err
	}
	return &game, nil
}

func (a *API) SubmitMove(ctx context.Context, gameID string, params services.MoveParams) (*services.MoveResult, error) {
	var result services.MoveResult
	if err := a.do(ctx, http.MethodPost, "/games/"+url.PathEscape(gameID)+"/moves", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *API) Resign(ctx context.Context, gameID string) (*models.Game, error) {
	var game models.Game
	if err := a.do(ctx, http.MethodPost, "/games/"+url.PathEscape(gameID)+"/resign", nil, &game); err != nil {
		return nil, err
	}
	return &game, nil
}

func (a *API) RewardStatus(ctx context.Context, rewardType string) (*models.RewardStatus, error) {
	var status models.RewardStatus
	if err := a.do(ctx, http.MethodGet, "/rewards/"+url.PathEscape(rewardType)+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ClaimReward reports a reward minted without a server task.
func (a *API) ClaimReward(ctx context.Context, rewardType, objectID string) (string, error) {
	var out struct {
		RewardType string `json:"rewardType"`
	}
	body := map[string]string{"rewardType": rewardType, "objectId": objectID}
	if err := a.do(ctx, http.MethodPost, "/rewards/claims", body, &out); err != nil {
		return "", err
	}
	return out.RewardType, nil
}
