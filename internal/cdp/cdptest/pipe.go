// Package cdptest 提供连接测试用的内存传输
package cdptest

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// Pipe 内存传输，Push 的消息交给连接，连接发出的消息可用 Next 取出
type Pipe struct {
	inbound chan []byte
	sentCh  chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPipe 创建内存传输
func NewPipe() *Pipe {
	return &Pipe{
		inbound: make(chan []byte, 64),
		sentCh:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (p *Pipe) Send(b []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	p.sent = append(p.sent, b)
	p.mu.Unlock()
	select {
	case p.sentCh <- b:
	default:
	}
	return nil
}

func (p *Pipe) Receive() ([]byte, error) {
	select {
	case b := <-p.inbound:
		return b, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

// Close 关闭传输并等待 Serve 协程退出
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
	return nil
}

// SentCount 已发出的消息数
func (p *Pipe) SentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// Push 投递一条入站消息
func (p *Pipe) Push(s string) {
	select {
	case p.inbound <- []byte(s):
	case <-p.closed:
	}
}

// Next 取出下一条发出的消息
func (p *Pipe) Next(t testing.TB) gjson.Result {
	t.Helper()
	select {
	case b := <-p.sentCh:
		return gjson.ParseBytes(b)
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return gjson.Result{}
	}
}

// Serve 在后台应答发出的命令；handler 返回要投递的消息，空串表示不应答
func (p *Pipe) Serve(handler func(cmd gjson.Result) []string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case b := <-p.sentCh:
				for _, msg := range handler(gjson.ParseBytes(b)) {
					if msg != "" {
						p.Push(msg)
					}
				}
			case <-p.closed:
				return
			}
		}
	}()
}
