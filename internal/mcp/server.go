package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// MaxLineSize is the largest single message the reader accepts.
const MaxLineSize = 10 << 20

// Server defines the interface for an MCP server transport.
type Server interface {
	Start(ctx context.Context)
	ReadChannel() <-chan JSONRPCRequest
	Send(response JSONRPCResponse) bool
	Wait()
	Close() error
}

// StdioServer implements Server over newline-delimited JSON on a reader/writer pair.
//
// The read channel is closed when input ends. Responses may still be sent until
// Close, which flushes everything already queued before returning.
type StdioServer struct {
	reader    io.Reader
	writer    io.Writer
	logger    *slog.Logger
	readChan  chan JSONRPCRequest
	writeChan chan JSONRPCResponse

	ctx    context.Context
	cancel context.CancelFunc

	readerDone chan struct{}
	writerDone chan struct{}

	mu     sync.RWMutex // guards closed against concurrent Send
	closed bool
}

// NewStdioServer creates a new StdioServer instance.
func NewStdioServer(reader io.Reader, writer io.Writer, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{
		reader:     reader,
		writer:     writer,
		logger:     logger,
		readChan:   make(chan JSONRPCRequest),
		writeChan:  make(chan JSONRPCResponse, 16),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Start begins the reader and writer goroutines. Cancelling ctx aborts both
// without draining pending responses.
func (s *StdioServer) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.readLoop()
	go s.writeLoop()
}

func (s *StdioServer) readLoop() {
	defer close(s.readerDone)
	defer close(s.readChan)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.logger.Debug("MCP RECV", "bytes", len(line))

		var request JSONRPCRequest
		if err := json.Unmarshal(line, &request); err != nil {
			s.logger.Warn("Error unmarshalling request", "error", err)
			s.Send(NewErrorResponse(nil, CodeParseError, "parse error: "+err.Error(), nil))
			continue
		}
		select {
		case s.readChan <- request:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("Error reading input", "error", err)
		return
	}
	s.logger.Info("Input closed")
}

func (s *StdioServer) writeLoop() {
	defer close(s.writerDone)
	writer := bufio.NewWriter(s.writer)
	for {
		select {
		case <-s.ctx.Done():
			_ = writer.Flush()
			return
		case response, ok := <-s.writeChan:
			if !ok {
				_ = writer.Flush()
				return
			}
			if err := writeMessage(writer, response); err != nil {
				s.logger.Error("Error writing response", "error", err)
				s.cancel()
				return
			}
		}
	}
}

func writeMessage(w *bufio.Writer, response JSONRPCResponse) error {
	respBytes, err := json.Marshal(response)
	if err != nil {
		// Never leave the caller waiting on an id.
		respBytes, err = json.Marshal(NewErrorResponse(response.ID, CodeInternalError, "failed to encode response", nil))
		if err != nil {
			return err
		}
	}
	if _, err := w.Write(respBytes); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// ReadChannel returns the channel of incoming requests. It is closed when input ends.
func (s *StdioServer) ReadChannel() <-chan JSONRPCRequest {
	return s.readChan
}

// Send queues a response. It reports false once the server is shutting down.
func (s *StdioServer) Send(response JSONRPCResponse) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.writeChan <- response:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Wait blocks until input has ended or the server was cancelled.
func (s *StdioServer) Wait() {
	select {
	case <-s.readerDone:
	case <-s.ctx.Done():
	}
}

// Close flushes queued responses and stops the writer. The reader is left to
// finish on its own since a blocked read on stdin cannot be interrupted.
func (s *StdioServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writeChan)
	s.mu.Unlock()

	<-s.writerDone
	s.cancel()
	return nil
}
