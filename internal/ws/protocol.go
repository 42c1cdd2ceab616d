package ws

import (
	"encoding/json"

	"github.com/jsleemaster/ranch-agent/internal/enrich"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

type MessageType string

const (
	MsgWorldInit         MessageType = "world_init"
	MsgAgentUpsert       MessageType = "agent_upsert"
	MsgSkillMetricUpsert MessageType = "skill_metric_upsert"
	MsgZoneUpsert        MessageType = "zone_upsert"
	MsgFeedAppend        MessageType = "feed_append"
	MsgFilterState       MessageType = "filter_state"
	MsgBatch             MessageType = "batch"
)

// Client to server.
const (
	MsgWebviewReady MessageType = "webview_ready"
	MsgSelectAgent  MessageType = "select_agent"
	MsgSelectSkill  MessageType = "select_skill"
	MsgSelectZone   MessageType = "select_zone"
)

type WorldInitMessage struct {
	Type     MessageType                    `json:"type"`
	Zones    []snapshot.ZoneSnapshot        `json:"zones"`
	Agents   []snapshot.AgentSnapshot       `json:"agents"`
	Skills   []snapshot.SkillMetricSnapshot `json:"skills"`
	AgentMDs []enrich.Item                  `json:"agentMds"`
	SkillMDs []enrich.Item                  `json:"skillMds"`
}

type AgentUpsertMessage struct {
	Type  MessageType            `json:"type"`
	Agent snapshot.AgentSnapshot `json:"agent"`
}

type SkillMetricUpsertMessage struct {
	Type   MessageType                  `json:"type"`
	Metric snapshot.SkillMetricSnapshot `json:"metric"`
}

type ZoneUpsertMessage struct {
	Type MessageType           `json:"type"`
	Zone snapshot.ZoneSnapshot `json:"zone"`
}

type FeedAppendMessage struct {
	Type  MessageType        `json:"type"`
	Event snapshot.FeedEntry `json:"event"`
}

type FilterStateMessage struct {
	Type MessageType `json:"type"`
	snapshot.FilterState
}

// BatchMessage carries already-encoded atomic messages in queue order.
type BatchMessage struct {
	Type     MessageType       `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}

// ClientMessage is any message a client may send. Selection fields are
// null or empty to clear the selection.
type ClientMessage struct {
	Type    MessageType `json:"type"`
	AgentID *string     `json:"agentId"`
	Skill   *string     `json:"skill"`
	ZoneID  *string     `json:"zoneId"`
}

func NewWorldInit(world snapshot.World, agentMDs, skillMDs []enrich.Item) WorldInitMessage {
	if agentMDs == nil {
		agentMDs = []enrich.Item{}
	}
	if skillMDs == nil {
		skillMDs = []enrich.Item{}
	}
	return WorldInitMessage{
		Type:     MsgWorldInit,
		Zones:    world.Zones,
		Agents:   world.Agents,
		Skills:   world.Skills,
		AgentMDs: agentMDs,
		SkillMDs: skillMDs,
	}
}

// UpdateMessages expands one store update into its atomic messages, in
// the order clients apply them.
func UpdateMessages(u snapshot.Update) []any {
	msgs := []any{AgentUpsertMessage{Type: MsgAgentUpsert, Agent: u.Agent}}
	if u.Skill != nil {
		msgs = append(msgs, SkillMetricUpsertMessage{Type: MsgSkillMetricUpsert, Metric: *u.Skill})
	}
	for _, z := range u.Zones {
		msgs = append(msgs, ZoneUpsertMessage{Type: MsgZoneUpsert, Zone: z})
	}
	return append(msgs, FeedAppendMessage{Type: MsgFeedAppend, Event: u.Feed})
}

func NewFilterState(f snapshot.FilterState) FilterStateMessage {
	return FilterStateMessage{Type: MsgFilterState, FilterState: f}
}
