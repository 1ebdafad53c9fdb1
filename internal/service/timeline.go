package service

import (
	"sort"
	"time"

	"sudooom.im.sync/internal/model"
)

// 等待插入的编辑事件上限
const maxPendingUpdates = 256

// localIdPrefix 本地回显消息的临时 ID 前缀
const localIdPrefix = "local:"

// Timeline 单个逻辑会话的有序消息列表
// 按 (createdAt, id) 升序，同一 ID 只出现一次；非并发安全，由会话循环独占
type Timeline struct {
	messages []model.Message
	ids      map[string]time.Time // id -> createdAt，用于二分定位
	local    map[string]string    // clientMsgId -> 本地回显 ID

	pending      map[string]model.Message
	pendingOrder []string
}

// NewTimeline 创建空时间线
func NewTimeline() *Timeline {
	return &Timeline{
		ids:     make(map[string]time.Time),
		local:   make(map[string]string),
		pending: make(map[string]model.Message),
	}
}

// LocalId 本地回显使用的临时 ID
func LocalId(clientMsgId string) string {
	return localIdPrefix + clientMsgId
}

// Load 合并一次全量加载的结果
// 已存在的消息保留实时版本，除非加载结果已编辑而实时版本未编辑
func (t *Timeline) Load(msgs []model.Message) {
	for _, m := range SortAndDedupe(msgs) {
		if at, ok := t.ids[m.Id]; ok {
			i := t.locate(m.Id, at)
			if m.IsEdited && !t.messages[i].IsEdited {
				t.messages[i].Content = m.Content
				t.messages[i].IsEdited = true
			}
			continue
		}
		t.Insert(m)
	}
}

// Insert 有序插入，重复 ID 忽略；返回是否新增
// 带 clientMsgId 的权威消息会替换对应的本地回显
func (t *Timeline) Insert(m model.Message) bool {
	if _, ok := t.ids[m.Id]; ok {
		return false
	}

	if m.ClientMsgId != "" {
		if localId, ok := t.local[m.ClientMsgId]; ok && localId != m.Id {
			t.remove(localId)
			delete(t.local, m.ClientMsgId)
		}
	}

	if p, ok := t.pending[m.Id]; ok {
		m.Content = p.Content
		m.IsEdited = p.IsEdited
		t.dropPending(m.Id)
	}

	i := sort.Search(len(t.messages), func(i int) bool {
		return m.Before(&t.messages[i])
	})
	t.messages = append(t.messages, model.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
	t.ids[m.Id] = m.CreatedAt
	return true
}

// InsertLocal 插入乐观回显，权威消息到达后被替换
func (t *Timeline) InsertLocal(m model.Message) bool {
	if m.ClientMsgId == "" {
		return false
	}
	m.Id = LocalId(m.ClientMsgId)
	if !t.Insert(m) {
		return false
	}
	t.local[m.ClientMsgId] = m.Id
	return true
}

// RemoveLocal 发送失败时撤回乐观回显
func (t *Timeline) RemoveLocal(clientMsgId string) bool {
	localId, ok := t.local[clientMsgId]
	if !ok {
		return false
	}
	delete(t.local, clientMsgId)
	return t.remove(localId)
}

// Update 原地替换内容与编辑标记，位置不变
// 目标尚未插入时先缓存，插入时再应用；返回是否已立即应用
func (t *Timeline) Update(m model.Message) bool {
	at, ok := t.ids[m.Id]
	if !ok {
		t.bufferPending(m)
		return false
	}

	i := t.locate(m.Id, at)
	t.messages[i].Content = m.Content
	t.messages[i].IsEdited = m.IsEdited
	return true
}

// Get 按 ID 查找
func (t *Timeline) Get(id string) (model.Message, bool) {
	at, ok := t.ids[id]
	if !ok {
		return model.Message{}, false
	}
	return t.messages[t.locate(id, at)], true
}

// Messages 返回副本
func (t *Timeline) Messages() []model.Message {
	out := make([]model.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len 消息数
func (t *Timeline) Len() int {
	return len(t.messages)
}

// Pending 缓存中的编辑数
func (t *Timeline) Pending() int {
	return len(t.pending)
}

func (t *Timeline) locate(id string, at time.Time) int {
	key := model.Message{Id: id, CreatedAt: at}
	return sort.Search(len(t.messages), func(i int) bool {
		return !t.messages[i].Before(&key)
	})
}

func (t *Timeline) remove(id string) bool {
	at, ok := t.ids[id]
	if !ok {
		return false
	}
	i := t.locate(id, at)
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	delete(t.ids, id)
	return true
}

func (t *Timeline) bufferPending(m model.Message) {
	if _, ok := t.pending[m.Id]; !ok {
		if len(t.pendingOrder) >= maxPendingUpdates {
			oldest := t.pendingOrder[0]
			t.pendingOrder = t.pendingOrder[1:]
			delete(t.pending, oldest)
		}
		t.pendingOrder = append(t.pendingOrder, m.Id)
	}
	t.pending[m.Id] = m
}

func (t *Timeline) dropPending(id string) {
	delete(t.pending, id)
	for i, pid := range t.pendingOrder {
		if pid == id {
			t.pendingOrder = append(t.pendingOrder[:i], t.pendingOrder[i+1:]...)
			return
		}
	}
}

// SortAndDedupe 按时间线顺序排序并按 ID 去重，重复时保留已编辑的版本
func SortAndDedupe(msgs []model.Message) []model.Message {
	byId := make(map[string]int, len(msgs))
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if i, ok := byId[m.Id]; ok {
			if m.IsEdited && !out[i].IsEdited {
				out[i] = m
			}
			continue
		}
		byId[m.Id] = len(out)
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(&out[j])
	})
	return out
}
