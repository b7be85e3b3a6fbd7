package models

// PlayerFromAuth is the identity carried by an access token.
type PlayerFromAuth struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}
