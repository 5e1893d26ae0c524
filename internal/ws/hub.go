package ws

import (
	"sync"
	"sync/atomic"

	"github.com/Sammyduzit/the-gathering/internal/metrics"
	"github.com/Sammyduzit/the-gathering/internal/service"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// frame 是待下发的一条事件；closing 为 true 时下发后关闭房间内所有连接，
// evict 非零时下发后断开该用户的连接。to 非空时只发给这一个客户端。
type frame struct {
	data    []byte
	closing bool
	evict   uint
	to      *Client
}

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Publish 把房间事件推送给该房间的订阅者，没有订阅者时直接丢弃。
// 房间关闭事件会在下发后断开所有连接并移除该房间；
// 离开事件会在下发后断开离开者自己的连接。
func (h *Hub) Publish(roomID uint, event any) {
	var (
		closing bool
		evict   uint
	)
	if ev, ok := event.(service.RoomEvent); ok {
		switch ev.Type {
		case service.EventRoomClosed:
			closing = true
		case service.EventLeave:
			evict = ev.UserID
		}
	}

	h.mu.Lock()
	room := h.rooms[roomID]
	if closing {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
	if room == nil {
		return
	}

	b, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("encode room event")
		return
	}
	metrics.WsEventsTotal.Inc()
	room.publish(frame{data: b, closing: closing, evict: evict})
}

type RoomHub struct {
	roomID     uint
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan frame
	done       chan struct{}
	online     int32
}

func NewRoomHub(roomID uint) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 256),
		done:       make(chan struct{}),
	}
}

func (rh *RoomHub) publish(f frame) {
	select {
	case rh.broadcast <- f:
	case <-rh.done:
	}
}

// whisper 经由 run 循环只发给 c，c 已断开时丢弃。
func (rh *RoomHub) whisper(c *Client, data []byte) {
	rh.publish(frame{data: data, to: c})
}

// join 注册客户端；房间已关闭时返回 false。
func (rh *RoomHub) join(c *Client) bool {
	select {
	case rh.register <- c:
		return true
	case <-rh.done:
		return false
	}
}

func (rh *RoomHub) leave(c *Client) {
	select {
	case rh.unregister <- c:
	case <-rh.done:
	}
}

func (rh *RoomHub) drop(c *Client) {
	if _, ok := rh.clients[c]; !ok {
		return
	}
	delete(rh.clients, c)
	close(c.send)
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	metrics.WsConnections.Dec()
}

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsConnections.Inc()
		case c := <-rh.unregister:
			rh.drop(c)
		case f := <-rh.broadcast:
			if f.to != nil {
				if rh.clients[f.to] {
					rh.deliver(f.to, f.data)
				}
				continue
			}
			for c := range rh.clients {
				rh.deliver(c, f.data)
			}
			if f.evict != 0 {
				for c := range rh.clients {
					if c.userID == f.evict {
						rh.drop(c)
					}
				}
			}
			if f.closing {
				for c := range rh.clients {
					rh.drop(c)
				}
				close(rh.done)
				return
			}
		}
	}
}

func (rh *RoomHub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		// 慢消费者直接断开
		rh.drop(c)
	}
}

// Online 返回房间在线客户端数量。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
