package game

import (
	"fmt"
	"strings"
)

type Mode uint8

const (
	ModeNone           Mode = 0
	ModeFreeForAll     Mode = 1
	ModeTeamDeathmatch Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModeFreeForAll:
		return "FreeForAll"
	case ModeTeamDeathmatch:
		return "TeamDeathmatch"
	default:
		return "Unknown"
	}
}

// Rounds is the number of rounds before game over; zero means unlimited.
func (m Mode) Rounds() int {
	switch m {
	case ModeFreeForAll:
		return 10
	default:
		return 0
	}
}

// Scored reports whether answers award points.
func (m Mode) Scored() bool {
	return m != ModeNone
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return ModeNone, nil
	case "ffa", "freeforall":
		return ModeFreeForAll, nil
	case "tdm", "teamdeathmatch":
		return ModeTeamDeathmatch, nil
	default:
		return ModeNone, fmt.Errorf("unknown game mode %q", s)
	}
}
