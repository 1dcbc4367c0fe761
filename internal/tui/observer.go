package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/conductor/internal/executor"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Observer forwards executor progress to the dashboard.
type Observer struct {
	sender Sender
}

var _ executor.Observer = (*Observer)(nil)

// NewObserver creates an Observer sending to s.
func NewObserver(s Sender) *Observer {
	return &Observer{sender: s}
}

func (o *Observer) OnLayerStart(index, total int, layer models.Layer) {
	o.sender.Send(LayerStartMsg{Index: index, Total: total, Size: len(layer)})
}

func (o *Observer) OnResult(st *models.Subtask, res models.Result) {
	o.sender.Send(ResultMsg{
		SubtaskID: st.ID,
		Kind:      st.Kind,
		Target:    st.Target,
		Result:    res,
	})
}

func (o *Observer) OnBatchDone(m models.Metrics) {
	o.sender.Send(BatchDoneMsg{Metrics: m})
}
