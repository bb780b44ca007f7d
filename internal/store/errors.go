package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by every repository implementation.
// The specific not-found errors all wrap ErrNotFound.
var (
	ErrNotFound            = errors.New("record not found")
	ErrProgramNotFound     = fmt.Errorf("loyalty program: %w", ErrNotFound)
	ErrMemberNotFound      = fmt.Errorf("program member: %w", ErrNotFound)
	ErrSegmentNotFound     = fmt.Errorf("segment: %w", ErrNotFound)
	ErrCampaignNotFound    = fmt.Errorf("campaign: %w", ErrNotFound)
	ErrRedemptionNotFound  = fmt.Errorf("redemption: %w", ErrNotFound)
	ErrInsufficientBalance = errors.New("insufficient points balance")
)
