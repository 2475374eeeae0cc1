// Package ports реализует пул UDP портов для медиа потоков сессий.
//
// Каждой сессии выдается пара портов (видео и аудио). Пул заполняется
// детерминированно от базового порта с шагом stride:
//
//	base+stride*i, base+stride*i+2  для i в [0, maxClients)
//
// Порт либо свободен (лежит в пуле), либо принадлежит ровно одной живой сессии.
// Пул не потокобезопасен: его вызывает только однопоточный контекст сервиса.
package ports

const (
	// NoPort возвращается Pop при исчерпании пула
	NoPort uint16 = 0

	// DefaultBasePort - первый порт пула по умолчанию
	DefaultBasePort uint16 = 35000

	// DefaultStride - шаг между парами портов (RTP+RTCP для видео и аудио)
	DefaultStride uint16 = 4
)

// Pool управляет свободными портами.
// Выдача идет с головы, возврат тоже в голову (LIFO), поэтому
// недавно освобожденные порты переиспользуются первыми.
type Pool struct {
	free     []uint16 // free[len-1] - голова пула
	capacity int
}

// NewPool создает пул на maxClients сессий.
// stride == 0 означает DefaultStride.
func NewPool(maxClients int, base, stride uint16) *Pool {
	if stride == 0 {
		stride = DefaultStride
	}
	if maxClients < 0 {
		maxClients = 0
	}

	order := make([]uint16, 0, 2*maxClients)
	for i := 0; i < maxClients; i++ {
		first := base + stride*uint16(i)
		order = append(order, first, first+2)
	}

	// Храним в обратном порядке, чтобы голова была в конце слайса
	free := make([]uint16, len(order))
	for i, port := range order {
		free[len(order)-1-i] = port
	}

	return &Pool{
		free:     free,
		capacity: len(order),
	}
}

// Pop извлекает порт с головы пула.
// На пустом пуле возвращает NoPort, ошибки не бывает.
func (p *Pool) Pop() uint16 {
	n := len(p.free)
	if n == 0 {
		return NoPort
	}
	port := p.free[n-1]
	p.free = p.free[:n-1]
	return port
}

// Return возвращает порт в голову пула. NoPort игнорируется.
func (p *Pool) Return(port uint16) {
	if port == NoPort {
		return
	}
	p.free = append(p.free, port)
}

// Available возвращает количество свободных портов
func (p *Pool) Available() int {
	return len(p.free)
}

// Capacity возвращает исходный размер пула (2 * maxClients)
func (p *Pool) Capacity() int {
	return p.capacity
}
