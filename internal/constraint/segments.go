package constraint

import "strings"

// MatchScopeSegments — сегментный wildcard-алгоритм для has_scope.
// Строки режутся по ":" и сравниваются попарно. "*" с любой стороны означает "остаток совпадает".
// Расхождение сегментов без "*": отказ. Совпадение, только если обе последовательности закончились одновременно.
//
//	MatchScopeSegments("a:b:*", "a:b:read")  == true
//	MatchScopeSegments("a:b:read", "*:b:read") == true  // wildcard на стороне выданного права
//	MatchScopeSegments("a:b", "a:b:read")    == false
//
// Внимание: scope.Covers (scope-ядро) использует префиксный алгоритм с другими результатами.
// Алгоритмы намеренно не объединены: это меняет исход авторизации.
func MatchScopeSegments(pattern, scope string) bool {
	ps := strings.Split(pattern, ":")
	ss := strings.Split(scope, ":")

	for i := 0; ; i++ {
		pDone, sDone := i >= len(ps), i >= len(ss)
		if pDone && sDone {
			return true
		}
		if pDone || sDone {
			return false
		}
		if ps[i] == "*" || ss[i] == "*" {
			return true
		}
		if ps[i] != ss[i] {
			return false
		}
	}
}
