package models

import (
	"sort"
	"strings"
)

type RewardType string

const (
	RewardTypeFirstGamePlayed  RewardType = "first_game_played"
	RewardTypeFirstGameCreated RewardType = "first_game_created"
	// RewardTypeWinCount is the tiered family, resolved to one of WinTiers at dispatch.
	RewardTypeWinCount RewardType = "win_count"
)

type WinTier struct {
	RewardType RewardType `json:"reward_type"`
	Wins       int        `json:"wins"`
}

var WinTiers = []WinTier{
	{RewardType: "wins_1", Wins: 1},
	{RewardType: "wins_5", Wins: 5},
	{RewardType: "wins_10", Wins: 10},
	{RewardType: "wins_25", Wins: 25},
	{RewardType: "wins_50", Wins: 50},
}

func SortedWinTiers() []WinTier {
	tiers := make([]WinTier, len(WinTiers))
	copy(tiers, WinTiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Wins < tiers[j].Wins
	})
	return tiers
}

func (t RewardType) IsWinFamily() bool {
	return t == RewardTypeWinCount
}

func (t RewardType) IsWinTier() bool {
	for _, tier := range WinTiers {
		if tier.RewardType == t {
			return true
		}
	}
	return false
}

// ParseRewardType accepts the types a task can be enqueued for. Win tiers are only ever
// resolved from RewardTypeWinCount.
func ParseRewardType(s string) (RewardType, bool) {
	t := RewardType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case RewardTypeFirstGamePlayed, RewardTypeFirstGameCreated, RewardTypeWinCount:
		return t, true
	}
	return "", false
}
