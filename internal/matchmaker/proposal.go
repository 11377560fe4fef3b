package matchmaker

import "github.com/koopa0/system-design/14-battleship/internal/game"

// Proposal 等待雙方投票的配對
//
// 投票旗標屬於提案而非參與者，參與者實體保持單純。
// 所有欄位只在 Matchmaker 的鎖內讀寫。
type Proposal struct {
	ID       string
	members  [2]*game.Participant
	voted    [2]bool
	accepted [2]bool
}

func newProposal(id string, a, b *game.Participant) *Proposal {
	return &Proposal{
		ID:      id,
		members: [2]*game.Participant{a, b},
	}
}

// Members 提案雙方
func (p *Proposal) Members() [2]*game.Participant {
	return p.members
}

// vote 記錄投票，投票結果揭曉前可以改票
func (p *Proposal) vote(participantID string, accept bool) bool {
	for i, m := range p.members {
		if m.ID == participantID {
			p.voted[i] = true
			p.accepted[i] = accept
			return true
		}
	}
	return false
}

// ready 雙方都已投票
func (p *Proposal) ready() bool {
	return p.voted[0] && p.voted[1]
}

// acceptedByBoth 雙方都接受
func (p *Proposal) acceptedByBoth() bool {
	return p.accepted[0] && p.accepted[1]
}

// opponentOf 返回提案中的另一方
func (p *Proposal) opponentOf(participantID string) *game.Participant {
	switch participantID {
	case p.members[0].ID:
		return p.members[1]
	case p.members[1].ID:
		return p.members[0]
	default:
		return nil
	}
}

func (p *Proposal) memberIDs() []string {
	return []string{p.members[0].ID, p.members[1].ID}
}
