package model

import (
	"fmt"
	"strings"
)

// Direction is the side of the ladder a strategy trades.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// ParseDirection accepts long/short in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long":
		return DirectionLong, nil
	case "short":
		return DirectionShort, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Upper is the form embedded in client references and strategy keys.
func (d Direction) Upper() string {
	return strings.ToUpper(string(d))
}

// Role identifies what an order does inside a ladder cycle.
type Role string

const (
	RoleOpen   Role = "OPEN"
	RoleAdd    Role = "ADD"
	RoleProfit Role = "PROFIT"
	RoleClose  Role = "CLOSE"
)

// ExecutionMode gates which actions a worker may take.
type ExecutionMode string

const (
	ModeNormal        ExecutionMode = "NORMAL"
	ModePositionOnly  ExecutionMode = "POSITION_ONLY"
	ModeEmergencyExit ExecutionMode = "EMERGENCY_EXIT"
	ModeSuspended     ExecutionMode = "SUSPENDED"
)

// ParseExecutionMode validates a mode coming from a command payload.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	m := ExecutionMode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeNormal, ModePositionOnly, ModeEmergencyExit, ModeSuspended:
		return m, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// CanOpen reports whether new OPEN and ADD orders are allowed.
func (m ExecutionMode) CanOpen() bool {
	return m == ModeNormal
}

// CanMaintainProfit reports whether the protective order may be (re)placed.
func (m ExecutionMode) CanMaintainProfit() bool {
	return m == ModeNormal || m == ModePositionOnly
}

// CanTrade is false only when every order placement is frozen.
func (m ExecutionMode) CanTrade() bool {
	return m != ModeSuspended
}

// WorkerState is the strategy worker lifecycle.
type WorkerState string

const (
	StateInitializing WorkerState = "INITIALIZING"
	StateOpening      WorkerState = "OPENING"
	StateActive       WorkerState = "ACTIVE"
	StateWindingDown  WorkerState = "WINDING_DOWN"
	StateStopped      WorkerState = "STOPPED"
)

// StrategyKey identifies one (symbol, direction) worker, e.g. BTCUSDT_LONG.
func StrategyKey(symbol string, direction Direction) string {
	return strings.ToUpper(symbol) + "_" + direction.Upper()
}

// SplitStrategyKey is the inverse of StrategyKey.
func SplitStrategyKey(key string) (string, Direction, error) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("invalid strategy key %q", key)
	}
	dir, err := ParseDirection(key[idx+1:])
	if err != nil {
		return "", "", fmt.Errorf("invalid strategy key %q: %w", key, err)
	}
	return key[:idx], dir, nil
}
