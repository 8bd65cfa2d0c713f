package segment

// DefaultMinChunkRunes 单个字幕块在标点边界触发输出前需要累积的最小字符数。
const DefaultMinChunkRunes = 10

// boundaryRunes 识别的断句标点，覆盖ASCII与中文全角终止符。
var boundaryRunes = map[rune]struct{}{
	',': {}, '.': {}, '!': {}, ';': {}, ':': {},
	'，': {}, '。': {}, '！': {}, '？': {}, '：': {}, '；': {},
}

// Segmenter 将增量文本流切分为以标点结尾的有序语句块。
// 切分只依赖累积文本本身，与增量到达的切分位置无关。
type Segmenter struct {
	MinChunkRunes int
}

// New 返回使用默认阈值的切分器。
func New() *Segmenter {
	return &Segmenter{MinChunkRunes: DefaultMinChunkRunes}
}

func (s *Segmenter) minRunes() int {
	if s == nil || s.MinChunkRunes <= 0 {
		return DefaultMinChunkRunes
	}
	return s.MinChunkRunes
}

// Segment 处理一段新到达的增量文本。carry 为上次调用遗留的未完成语句，
// 返回完整的语句块序列和新的遗留文本。语句块只在标点边界产生，
// 且累积长度超过阈值时才输出，短小的子句会被并入下一个边界。
func (s *Segmenter) Segment(carry, delta string) ([]string, string) {
	var chunks []string
	current := []rune(carry)

	for _, r := range delta {
		current = append(current, r)
		if _, ok := boundaryRunes[r]; !ok {
			continue
		}
		if len(current) > s.minRunes() {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
	}

	return chunks, string(current)
}

// Flush 在流结束时无条件输出剩余文本，即使低于长度阈值。
// 没有遗留文本时返回 ok=false。
func (s *Segmenter) Flush(carry string) (string, bool) {
	if carry == "" {
		return "", false
	}
	return carry, true
}

// IsBoundary 判断字符是否属于断句标点集合。
func IsBoundary(r rune) bool {
	_, ok := boundaryRunes[r]
	return ok
}
